package image

import (
	"context"
	"testing"

	"github.com/wisbric/cumulus/internal/auth"
	"github.com/wisbric/cumulus/pkg/apierr"
)

func rc(user, project string, admin bool) *auth.RequestContext {
	return &auth.RequestContext{UserID: user, ProjectID: project, IsAdmin: admin}
}

func TestRegisterAndGet(t *testing.T) {
	svc, err := NewLocalService(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	img, err := svc.Register(ctx, rc("alice", "proj", false), "bucket/manifest.xml", ContainerMachine)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if img.State != StateAvailable || img.Container != ContainerMachine {
		t.Errorf("registered image = %+v", img)
	}

	got, err := svc.Get(ctx, rc("alice", "proj", false), img.ID)
	if err != nil || got.Location != "bucket/manifest.xml" {
		t.Errorf("Get = %+v, %v", got, err)
	}
}

func TestPrivateImageHiddenFromOthers(t *testing.T) {
	svc, _ := NewLocalService(t.TempDir())
	ctx := context.Background()
	img, _ := svc.Register(ctx, rc("alice", "proj", false), "loc", ContainerMachine)

	if _, err := svc.Get(ctx, rc("mallory", "other", false), img.ID); !apierr.IsNotFound(err) {
		t.Errorf("foreign Get = %v, want NotFound", err)
	}

	// Admins and, after publishing, everyone can see it.
	if _, err := svc.Get(ctx, rc("root", "any", true), img.ID); err != nil {
		t.Errorf("admin Get: %v", err)
	}
	if err := svc.SetPublic(ctx, rc("alice", "proj", false), img.ID, true); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Get(ctx, rc("mallory", "other", false), img.ID); err != nil {
		t.Errorf("public Get: %v", err)
	}
}

func TestListFiltersByAccess(t *testing.T) {
	svc, _ := NewLocalService(t.TempDir())
	ctx := context.Background()
	_, _ = svc.Register(ctx, rc("alice", "proj", false), "a", ContainerMachine)
	pub, _ := svc.Register(ctx, rc("bob", "other", false), "b", ContainerMachine)
	_ = svc.SetPublic(ctx, rc("bob", "other", false), pub.ID, true)

	images, err := svc.List(ctx, rc("alice", "proj", false))
	if err != nil {
		t.Fatal(err)
	}
	if len(images) != 2 {
		t.Errorf("alice sees %d images, want own + public = 2", len(images))
	}

	images, _ = svc.List(ctx, rc("carol", "third", false))
	if len(images) != 1 || images[0].ID != pub.ID {
		t.Errorf("carol sees %+v, want only the public image", images)
	}
}

func TestDeregister(t *testing.T) {
	svc, _ := NewLocalService(t.TempDir())
	ctx := context.Background()
	img, _ := svc.Register(ctx, rc("alice", "proj", false), "loc", ContainerMachine)

	if err := svc.Deregister(ctx, rc("alice", "proj", false), img.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Get(ctx, rc("alice", "proj", false), img.ID); !apierr.IsNotFound(err) {
		t.Errorf("Get after deregister = %v, want NotFound", err)
	}
}
