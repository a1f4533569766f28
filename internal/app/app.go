// Package app wires the control plane together and runs the selected mode:
// the API front end or the background worker.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/wisbric/cumulus/internal/audit"
	"github.com/wisbric/cumulus/internal/config"
	"github.com/wisbric/cumulus/internal/httpserver"
	"github.com/wisbric/cumulus/internal/platform"
	"github.com/wisbric/cumulus/internal/telemetry"
	"github.com/wisbric/cumulus/pkg/cloud"
	"github.com/wisbric/cumulus/pkg/compute"
	"github.com/wisbric/cumulus/pkg/firewall"
	"github.com/wisbric/cumulus/pkg/identity"
	"github.com/wisbric/cumulus/pkg/image"
	"github.com/wisbric/cumulus/pkg/metadata"
	"github.com/wisbric/cumulus/pkg/network"
	"github.com/wisbric/cumulus/pkg/policy"
	"github.com/wisbric/cumulus/pkg/quota"
	"github.com/wisbric/cumulus/pkg/rpc"
	"github.com/wisbric/cumulus/pkg/service"
	"github.com/wisbric/cumulus/pkg/volume"
	"github.com/wisbric/cumulus/pkg/zone"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the selected mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting cumulus",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
	)

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	deps, err := buildDeps(ctx, cfg, logger, db, rdb)
	if err != nil {
		return err
	}
	defer deps.close()

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, deps, metricsReg)
	case "worker":
		return runWorker(ctx, cfg, logger, deps)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// Deps is the wired object graph shared by both modes. The admin CLI
// builds one too.
type Deps struct {
	Identity  *identity.Manager
	Policy    *policy.Policy
	Instances *compute.Store
	Groups    *firewall.Store
	Network   *network.Allocator
	Volumes   *volume.Controller
	Zones     *zone.Manager
	ZoneStore *zone.Store
	Services  *service.Registry
	Quota     quota.Engine
	Images    image.Service
	Bus       rpc.Bus
	Cloud     *cloud.Controller

	db       *pgxpool.Pool
	rdb      *redis.Client
	idDriver identity.Driver
}

func (d *Deps) close() {
	if closer, ok := d.idDriver.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			slog.Default().Error("closing identity driver", "error", err)
		}
	}
}

// BuildDeps constructs the full dependency graph; exported for the admin
// CLI.
func BuildDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Deps, func(), error) {
	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}
	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("connecting to redis: %w", err)
	}
	deps, err := buildDeps(ctx, cfg, logger, db, rdb)
	if err != nil {
		db.Close()
		_ = rdb.Close()
		return nil, nil, err
	}
	cleanup := func() {
		deps.close()
		db.Close()
		_ = rdb.Close()
	}
	return deps, cleanup, nil
}

func buildDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) (*Deps, error) {
	// Identity directory: sealed driver set selected by config.
	var driver identity.Driver
	switch cfg.AuthDriver {
	case "ldap":
		ldapDriver, err := identity.DialLDAP(identity.LDAPConfig{
			URL:             cfg.LDAPURL,
			BindDN:          cfg.LDAPBindDN,
			Password:        cfg.LDAPPassword,
			UserSubtree:     cfg.LDAPUserSubtree,
			ProjectSubtree:  cfg.LDAPProjectSubtree,
			UserIDAttribute: cfg.LDAPUserIDAttribute,
			ModifyOnly:      cfg.LDAPModifyOnly,
			GlobalRoleDNs: map[string]string{
				identity.RoleCloudadmin: cfg.LDAPCloudadminDN,
				identity.RoleITSec:      cfg.LDAPITSecDN,
				identity.RoleSysadmin:   cfg.LDAPSysadminDN,
				identity.RoleNetadmin:   cfg.LDAPNetadminDN,
				identity.RoleDeveloper:  cfg.LDAPDeveloperDN,
			},
		})
		if err != nil {
			return nil, err
		}
		driver = ldapDriver
	case "memory":
		driver = identity.NewMemoryDriver()
	default:
		return nil, fmt.Errorf("unknown auth driver %q", cfg.AuthDriver)
	}

	ca, err := identity.OpenCertAuthority(cfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("opening certificate authority: %w", err)
	}
	idm := identity.NewManager(driver, identity.NewKeyPairStore(db), ca, logger)

	mode, err := network.ParseMode(cfg.NetworkManager)
	if err != nil {
		return nil, err
	}

	bus := rpc.NewRedisBus(rdb, logger, cfg.RPCCallTimeout)
	services := service.NewRegistry(db, cfg.ServiceDownTime)
	quotaEngine := quota.NewPGEngine(db, quota.Limits{
		Instances:   cfg.QuotaInstances,
		Cores:       cfg.QuotaCores,
		RAMMB:       cfg.QuotaRAMMB,
		Volumes:     cfg.QuotaVolumes,
		Gigabytes:   cfg.QuotaGigabytes,
		FloatingIPs: cfg.QuotaFloatingIPs,
		TTL:         cfg.QuotaTTL,
	})

	allocator := network.NewAllocator(network.NewStore(db), bus, logger, network.Settings{
		Mode:           mode,
		FlatBridge:     cfg.FlatNetworkBridge,
		VlanStart:      cfg.VlanStart,
		UseIPv6:        cfg.UseIPv6,
		DHCPLeaseGrace: cfg.DHCPLeaseGrace,
	})

	volumes := volume.NewController(volume.NewStore(db), quotaEngine, bus, services, logger)

	var images image.Service
	switch cfg.ImageService {
	case "local":
		images, err = image.NewLocalService(cfg.ImagesPath)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown image service %q", cfg.ImageService)
	}

	instances := compute.NewStore(db)
	groups := firewall.NewStore(db)

	zoneStore := zone.NewStore(db)
	zones := zone.NewManager(zoneStore, zone.NewHTTPPoller(10*time.Second), logger, zone.Settings{
		DBCheckInterval:   cfg.ZoneDBCheckInterval,
		PollInterval:      cfg.ZonePollInterval,
		FailuresToOffline: cfg.ZoneFailuresToOffline,
		PollConcurrency:   cfg.ZonePollConcurrency,
	})

	controller := cloud.NewController(
		idm, instances, groups, allocator, volumes, images,
		quotaEngine, services, bus, logger,
		cloud.Settings{
			Region:           cfg.Region,
			RegionEndpoint:   fmt.Sprintf("http://%s", cfg.ListenAddr()),
			AvailabilityZone: cfg.AvailabilityZone,
			VPNImageID:       cfg.VPNImageID,
			UseIPv6:          cfg.UseIPv6,
		},
	)

	return &Deps{
		Identity:  idm,
		Policy:    policy.New(idm, policy.DefaultGates),
		Instances: instances,
		Groups:    groups,
		Network:   allocator,
		Volumes:   volumes,
		Zones:     zones,
		ZoneStore: zoneStore,
		Services:  services,
		Quota:     quotaEngine,
		Images:    images,
		Bus:       bus,
		Cloud:     controller,
		db:        db,
		rdb:       rdb,
		idDriver:  driver,
	}, nil
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, deps *Deps, metricsReg *prometheus.Registry) error {
	auditWriter := audit.NewWriter(deps.db, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}, logger, deps.db, deps.rdb, metricsReg)

	ec2Handler := cloud.NewHandler(deps.Cloud, deps.Policy, auditWriter, logger)
	srv.Router.Mount("/", ec2Handler.Routes())
	srv.Router.Mount("/services/Cloud", ec2Handler.Routes())

	metadataHandler := metadata.NewHandler(deps.Instances, deps.Groups, logger)

	apiSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	metaSrv := &http.Server{
		Addr:         cfg.MetadataAddr(),
		Handler:      metadataHandler.Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("metadata server listening", "addr", cfg.MetadataAddr())
		if err := metaSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metadata server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down api servers")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = metaSrv.Shutdown(shutdownCtx)
		return apiSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, deps *Deps) error {
	logger.Info("worker started")

	statusWorker := rpc.NewWorker(deps.rdb, logger, cloud.TopicCloud)
	handlers := cloud.NewStatusHandlers(deps.Cloud, deps.Volumes, deps.Network, deps.Services,
		deps.Zones, deps.Volumes, cfg.ISCSINumTargets, logger)
	handlers.Register(statusWorker)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return statusWorker.Run(gctx) })
	g.Go(func() error { return deps.Zones.Run(gctx) })
	g.Go(func() error { return runQuotaReaper(gctx, deps.Quota, logger) })
	g.Go(func() error { return runLeaseReaper(gctx, deps.Network, logger) })
	return g.Wait()
}

// runQuotaReaper expires abandoned quota reservations.
func runQuotaReaper(ctx context.Context, engine quota.Engine, logger *slog.Logger) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := engine.ReapExpired(ctx)
			if err != nil {
				logger.Error("reaping quota reservations", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("reaped expired quota reservations", "count", n)
			}
		}
	}
}

// runLeaseReaper force-frees fixed addresses whose DHCP release never
// arrived.
func runLeaseReaper(ctx context.Context, allocator *network.Allocator, logger *slog.Logger) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := allocator.ReapStaleLeases(ctx); err != nil {
				logger.Error("reaping stale leases", "error", err)
			}
		}
	}
}
