package cloud

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/cumulus/internal/audit"
	"github.com/wisbric/cumulus/internal/auth"
	"github.com/wisbric/cumulus/internal/httpserver"
	"github.com/wisbric/cumulus/internal/telemetry"
	"github.com/wisbric/cumulus/pkg/apierr"
	"github.com/wisbric/cumulus/pkg/compute"
	"github.com/wisbric/cumulus/pkg/policy"
	"github.com/wisbric/cumulus/pkg/signer"
)

// Handler serves the EC2 query API: signature verification, policy gating,
// verb dispatch and XML rendering.
type Handler struct {
	controller *Controller
	policy     *policy.Policy
	audit      *audit.Writer
	logger     *slog.Logger
}

// NewHandler creates the EC2 API handler. auditw may be nil in tests.
func NewHandler(controller *Controller, p *policy.Policy, auditw *audit.Writer, logger *slog.Logger) *Handler {
	return &Handler{controller: controller, policy: p, audit: auditw, logger: logger}
}

// Routes returns the query-API router. EC2 clients hit the root path with
// Action and signature parameters.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleRequest)
	r.Post("/", h.handleRequest)
	return r
}

func (h *Handler) handleRequest(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	params, err := requestParams(r)
	if err != nil {
		h.writeError(w, requestID, "", apierr.API("malformed request: %v", err))
		return
	}
	action := params["Action"]
	if action == "" {
		h.writeError(w, requestID, action, apierr.API("Action parameter is required"))
		return
	}

	rc, err := h.authenticate(r, params, requestID)
	if err != nil {
		h.writeError(w, requestID, action, err)
		return
	}

	ctx := auth.NewContext(r.Context(), rc)
	if err := h.policy.Authorize(ctx, rc, action); err != nil {
		h.writeError(w, requestID, action, err)
		return
	}

	resp, err := h.dispatch(ctx, rc, action, params)
	if err != nil {
		h.writeError(w, requestID, action, err)
		return
	}
	telemetry.APIActionsTotal.WithLabelValues(action, "ok").Inc()
	if h.audit != nil && isMutating(action) {
		h.audit.LogAction(ctx, action, "api", "", nil)
	}
	h.writeXML(w, http.StatusOK, resp)
}

// authenticate verifies the request signature and resolves the caller's
// project scope. The project rides in the access key as
// "<access>:<project>"; without it the user's first project applies.
func (h *Handler) authenticate(r *http.Request, params map[string]string, requestID string) (*auth.RequestContext, error) {
	accessKey := params["AWSAccessKeyId"]
	if accessKey == "" {
		return nil, apierr.AuthFailure("AWSAccessKeyId is required")
	}
	access, projectID, _ := strings.Cut(accessKey, ":")

	ctx := r.Context()
	user, err := h.controller.identity.GetUserByAccessKey(ctx, access)
	if err != nil {
		if apierr.IsNotFound(err) {
			return nil, apierr.AuthFailure("no user for access key")
		}
		return nil, err
	}

	sig := params["Signature"]
	if sig == "" {
		return nil, apierr.AuthFailure("Signature is required")
	}
	if err := signer.Verify(params, sig, user.SecretKey, r.Method, r.Host, r.URL.Path); err != nil {
		return nil, err
	}

	if projectID == "" {
		projects, err := h.controller.identity.GetProjects(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		if len(projects) > 0 {
			sort.Slice(projects, func(i, j int) bool { return projects[i].ID < projects[j].ID })
			projectID = projects[0].ID
		} else {
			projectID = user.ID
		}
	} else if !user.Admin {
		in, err := h.controller.identity.IsInProject(ctx, user.ID, projectID)
		if err != nil {
			return nil, err
		}
		if !in {
			return nil, apierr.Unauthorized("user %s is not a member of project %s", user.ID, projectID)
		}
	}

	roles, err := h.controller.identity.GetUserRoles(ctx, user.ID, "")
	if err != nil {
		roles = nil
	}

	return &auth.RequestContext{
		RequestID:  requestID,
		UserID:     user.ID,
		ProjectID:  projectID,
		IsAdmin:    user.Admin,
		Roles:      roles,
		RemoteAddr: r.RemoteAddr,
	}, nil
}

// dispatch routes one verb to its controller method and builds the typed
// response.
func (h *Handler) dispatch(ctx context.Context, rc *auth.RequestContext, action string, params map[string]string) (any, error) {
	switch action {
	case "RunInstances":
		return h.runInstances(ctx, rc, params)
	case "DescribeInstances":
		return h.describeInstances(ctx, rc, params)
	case "TerminateInstances":
		ids, err := idListParam(params, "InstanceId")
		if err != nil {
			return nil, err
		}
		changes, err := h.controller.TerminateInstances(ctx, rc, ids)
		if err != nil {
			return nil, err
		}
		return stateChangeResponse("TerminateInstancesResponse", rc.RequestID, changes), nil
	case "RebootInstances":
		ids, err := idListParam(params, "InstanceId")
		if err != nil {
			return nil, err
		}
		if err := h.controller.RebootInstances(ctx, rc, ids); err != nil {
			return nil, err
		}
		return okResponse("RebootInstancesResponse", rc.RequestID), nil
	case "StopInstances":
		ids, err := idListParam(params, "InstanceId")
		if err != nil {
			return nil, err
		}
		changes, err := h.controller.StopInstances(ctx, rc, ids)
		if err != nil {
			return nil, err
		}
		return stateChangeResponse("StopInstancesResponse", rc.RequestID, changes), nil
	case "StartInstances":
		ids, err := idListParam(params, "InstanceId")
		if err != nil {
			return nil, err
		}
		changes, err := h.controller.StartInstances(ctx, rc, ids)
		if err != nil {
			return nil, err
		}
		return stateChangeResponse("StartInstancesResponse", rc.RequestID, changes), nil
	case "GetConsoleOutput":
		id, err := idParam(params, "InstanceId")
		if err != nil {
			return nil, err
		}
		output, err := h.controller.GetConsoleOutput(ctx, rc, id)
		if err != nil {
			return nil, err
		}
		return consoleOutputResponse{
			XMLNS:      ec2Namespace,
			RequestID:  rc.RequestID,
			InstanceID: compute.FormatEC2ID("i", id),
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
			Output:     base64.StdEncoding.EncodeToString([]byte(output)),
		}, nil
	case "GetPasswordData":
		id, err := idParam(params, "InstanceId")
		if err != nil {
			return nil, err
		}
		data, err := h.controller.GetPasswordData(ctx, rc, id)
		if err != nil {
			return nil, err
		}
		return passwordDataResponse{
			XMLNS:        ec2Namespace,
			RequestID:    rc.RequestID,
			InstanceID:   compute.FormatEC2ID("i", id),
			Timestamp:    time.Now().UTC().Format(time.RFC3339),
			PasswordData: data,
		}, nil

	case "CreateVolume":
		size, _ := strconv.ParseInt(params["Size"], 10, 64)
		var snapshotID int64
		if s := params["SnapshotId"]; s != "" {
			var err error
			snapshotID, err = compute.ParseEC2ID(s)
			if err != nil {
				return nil, apierr.API("malformed snapshot id %s", s)
			}
		}
		v, err := h.controller.CreateVolume(ctx, rc, size, snapshotID, params["DisplayName"])
		if err != nil {
			return nil, err
		}
		return createVolumeResponse{
			XMLNS:     ec2Namespace,
			RequestID: rc.RequestID,
			xmlVolume: toXMLVolume(*v, ""),
		}, nil
	case "DeleteVolume":
		id, err := idParam(params, "VolumeId")
		if err != nil {
			return nil, err
		}
		if err := h.controller.DeleteVolume(ctx, rc, id); err != nil {
			return nil, err
		}
		return okResponse("DeleteVolumeResponse", rc.RequestID), nil
	case "DescribeVolumes":
		return h.describeVolumes(ctx, rc, params)
	case "AttachVolume":
		volumeID, err := idParam(params, "VolumeId")
		if err != nil {
			return nil, err
		}
		instanceID, err := idParam(params, "InstanceId")
		if err != nil {
			return nil, err
		}
		device := params["Device"]
		if err := h.controller.AttachVolume(ctx, rc, volumeID, instanceID, device); err != nil {
			return nil, err
		}
		return attachmentResponse{
			XMLName:   xml.Name{Local: "AttachVolumeResponse"},
			XMLNS:     ec2Namespace,
			RequestID: rc.RequestID,
			xmlAttachment: xmlAttachment{
				VolumeID:   compute.FormatEC2ID("vol", volumeID),
				InstanceID: compute.FormatEC2ID("i", instanceID),
				Device:     device,
				Status:     "attaching",
			},
		}, nil
	case "DetachVolume":
		volumeID, err := idParam(params, "VolumeId")
		if err != nil {
			return nil, err
		}
		if err := h.controller.DetachVolume(ctx, rc, volumeID); err != nil {
			return nil, err
		}
		return attachmentResponse{
			XMLName:   xml.Name{Local: "DetachVolumeResponse"},
			XMLNS:     ec2Namespace,
			RequestID: rc.RequestID,
			xmlAttachment: xmlAttachment{
				VolumeID: compute.FormatEC2ID("vol", volumeID),
				Status:   "detaching",
			},
		}, nil
	case "CreateSnapshot":
		volumeID, err := idParam(params, "VolumeId")
		if err != nil {
			return nil, err
		}
		force := params["Force"] == "true"
		snap, err := h.controller.CreateSnapshot(ctx, rc, volumeID, force)
		if err != nil {
			return nil, err
		}
		return createSnapshotResponse{
			XMLNS:       ec2Namespace,
			RequestID:   rc.RequestID,
			xmlSnapshot: toXMLSnapshot(*snap),
		}, nil
	case "DeleteSnapshot":
		id, err := idParam(params, "SnapshotId")
		if err != nil {
			return nil, err
		}
		if err := h.controller.DeleteSnapshot(ctx, rc, id); err != nil {
			return nil, err
		}
		return okResponse("DeleteSnapshotResponse", rc.RequestID), nil
	case "DescribeSnapshots":
		ids, err := idListParam(params, "SnapshotId")
		if err != nil {
			return nil, err
		}
		snaps, err := h.controller.DescribeSnapshots(ctx, rc, ids)
		if err != nil {
			return nil, err
		}
		resp := describeSnapshotsResponse{XMLNS: ec2Namespace, RequestID: rc.RequestID}
		for _, s := range snaps {
			resp.Snapshots = append(resp.Snapshots, toXMLSnapshot(s))
		}
		return resp, nil

	case "AllocateAddress":
		addr, err := h.controller.AllocateAddress(ctx, rc)
		if err != nil {
			return nil, err
		}
		return allocateAddressResponse{
			XMLNS:     ec2Namespace,
			RequestID: rc.RequestID,
			PublicIP:  addr,
		}, nil
	case "ReleaseAddress":
		if err := h.controller.ReleaseAddress(ctx, rc, params["PublicIp"]); err != nil {
			return nil, err
		}
		return okResponse("ReleaseAddressResponse", rc.RequestID), nil
	case "AssociateAddress":
		instanceID, err := idParam(params, "InstanceId")
		if err != nil {
			return nil, err
		}
		if err := h.controller.AssociateAddress(ctx, rc, params["PublicIp"], instanceID); err != nil {
			return nil, err
		}
		return okResponse("AssociateAddressResponse", rc.RequestID), nil
	case "DisassociateAddress":
		if err := h.controller.DisassociateAddress(ctx, rc, params["PublicIp"]); err != nil {
			return nil, err
		}
		return okResponse("DisassociateAddressResponse", rc.RequestID), nil
	case "DescribeAddresses":
		return h.describeAddresses(ctx, rc)

	case "CreateSecurityGroup":
		if _, err := h.controller.CreateSecurityGroup(ctx, rc, params["GroupName"], params["GroupDescription"]); err != nil {
			return nil, err
		}
		return okResponse("CreateSecurityGroupResponse", rc.RequestID), nil
	case "DeleteSecurityGroup":
		if err := h.controller.DeleteSecurityGroup(ctx, rc, params["GroupName"]); err != nil {
			return nil, err
		}
		return okResponse("DeleteSecurityGroupResponse", rc.RequestID), nil
	case "DescribeSecurityGroups":
		return h.describeSecurityGroups(ctx, rc, params)
	case "AuthorizeSecurityGroupIngress":
		if err := h.controller.AuthorizeSecurityGroupIngress(ctx, rc, params["GroupName"], ruleInput(params)); err != nil {
			return nil, err
		}
		return okResponse("AuthorizeSecurityGroupIngressResponse", rc.RequestID), nil
	case "RevokeSecurityGroupIngress":
		if err := h.controller.RevokeSecurityGroupIngress(ctx, rc, params["GroupName"], ruleInput(params)); err != nil {
			return nil, err
		}
		return okResponse("RevokeSecurityGroupIngressResponse", rc.RequestID), nil

	case "CreateKeyPair":
		generated, err := h.controller.CreateKeyPair(ctx, rc, params["KeyName"])
		if err != nil {
			return nil, err
		}
		return createKeyPairResponse{
			XMLNS:       ec2Namespace,
			RequestID:   rc.RequestID,
			KeyName:     params["KeyName"],
			Fingerprint: generated.Fingerprint,
			KeyMaterial: generated.PrivateKeyPEM,
		}, nil
	case "ImportKeyPair":
		material, err := base64.StdEncoding.DecodeString(params["PublicKeyMaterial"])
		if err != nil {
			return nil, apierr.API("public key material must be base64")
		}
		kp, err := h.controller.ImportKeyPair(ctx, rc, params["KeyName"], string(material))
		if err != nil {
			return nil, err
		}
		return importKeyPairResponse{
			XMLNS:       ec2Namespace,
			RequestID:   rc.RequestID,
			KeyName:     kp.Name,
			Fingerprint: kp.Fingerprint,
		}, nil
	case "DeleteKeyPair":
		if err := h.controller.DeleteKeyPair(ctx, rc, params["KeyName"]); err != nil {
			return nil, err
		}
		return okResponse("DeleteKeyPairResponse", rc.RequestID), nil
	case "DescribeKeyPairs":
		names := listParam(params, "KeyName")
		pairs, err := h.controller.DescribeKeyPairs(ctx, rc, names)
		if err != nil {
			return nil, err
		}
		resp := describeKeyPairsResponse{XMLNS: ec2Namespace, RequestID: rc.RequestID}
		for _, kp := range pairs {
			resp.Keys = append(resp.Keys, toXMLKeyPair(kp))
		}
		return resp, nil

	case "DescribeImages":
		ids := listParam(params, "ImageId")
		images, err := h.controller.DescribeImages(ctx, rc, ids)
		if err != nil {
			return nil, err
		}
		resp := describeImagesResponse{XMLNS: ec2Namespace, RequestID: rc.RequestID}
		for _, img := range images {
			resp.Images = append(resp.Images, toXMLImage(img))
		}
		return resp, nil
	case "RegisterImage":
		location := params["ImageLocation"]
		if location == "" {
			location = params["Name"]
		}
		img, err := h.controller.RegisterImage(ctx, rc, location)
		if err != nil {
			return nil, err
		}
		return registerImageResponse{XMLNS: ec2Namespace, RequestID: rc.RequestID, ImageID: img.ID}, nil
	case "DeregisterImage":
		id := params["ImageId"]
		if err := h.controller.DeregisterImage(ctx, rc, id); err != nil {
			return nil, err
		}
		return deregisterImageResponse{XMLNS: ec2Namespace, RequestID: rc.RequestID, ImageID: id}, nil
	case "ModifyImageAttribute":
		groups := listParam(params, "UserGroup")
		err := h.controller.ModifyImageAttribute(ctx, rc, params["ImageId"],
			params["Attribute"], params["OperationType"], groups)
		if err != nil {
			return nil, err
		}
		return okResponse("ModifyImageAttributeResponse", rc.RequestID), nil

	case "DescribeAvailabilityZones":
		verbose := params["ZoneName.1"] == "verbose"
		zones, err := h.controller.DescribeAvailabilityZones(ctx, rc, verbose)
		if err != nil {
			return nil, err
		}
		resp := describeAvailabilityZonesResponse{XMLNS: ec2Namespace, RequestID: rc.RequestID}
		for _, z := range zones {
			item := xmlAvailabilityZone{ZoneName: z.Name, ZoneState: z.State}
			for host, services := range z.Hosts {
				for _, s := range services {
					status := "XXX"
					if s.Up {
						status = ":-)"
					}
					item.Messages = append(item.Messages,
						fmt.Sprintf("%s %s %s", host, s.Binary, status))
				}
			}
			sort.Strings(item.Messages)
			resp.Zones = append(resp.Zones, item)
		}
		return resp, nil
	case "DescribeRegions":
		regions, err := h.controller.DescribeRegions(ctx, rc)
		if err != nil {
			return nil, err
		}
		resp := describeRegionsResponse{XMLNS: ec2Namespace, RequestID: rc.RequestID}
		for _, r := range regions {
			resp.Regions = append(resp.Regions, xmlRegion{RegionName: r.Name, Endpoint: r.Endpoint})
		}
		return resp, nil
	}

	return nil, apierr.API("unsupported action %s", action)
}

// ---- per-verb helpers ----

func (h *Handler) runInstances(ctx context.Context, rc *auth.RequestContext, params map[string]string) (any, error) {
	minCount, _ := strconv.Atoi(params["MinCount"])
	maxCount, _ := strconv.Atoi(params["MaxCount"])
	in := RunInstancesInput{
		ImageID:        params["ImageId"],
		MinCount:       minCount,
		MaxCount:       maxCount,
		InstanceType:   params["InstanceType"],
		KeyName:        params["KeyName"],
		SecurityGroups: listParam(params, "SecurityGroup"),
		UserData:       params["UserData"],
		KernelID:       params["KernelId"],
		RamdiskID:      params["RamdiskId"],
		DisplayName:    params["DisplayName"],
	}
	for i := 1; ; i++ {
		prefix := fmt.Sprintf("BlockDeviceMapping.%d.", i)
		device := params[prefix+"DeviceName"]
		if device == "" {
			break
		}
		bdm := BDMInput{
			DeviceName:          device,
			VirtualName:         params[prefix+"VirtualName"],
			DeleteOnTermination: params[prefix+"Ebs.DeleteOnTermination"] != "false",
			NoDevice:            params[prefix+"NoDevice"] != "",
		}
		if s := params[prefix+"Ebs.SnapshotId"]; s != "" {
			id, err := compute.ParseEC2ID(s)
			if err != nil {
				return nil, apierr.API("malformed snapshot id %s", s)
			}
			bdm.SnapshotID = id
		}
		if s := params[prefix+"Ebs.VolumeSize"]; s != "" {
			bdm.VolumeSize, _ = strconv.ParseInt(s, 10, 64)
		}
		in.BlockDeviceMapping = append(in.BlockDeviceMapping, bdm)
	}

	if errs := httpserver.Validate(in); len(errs) > 0 {
		return nil, apierr.API("%s: %s", errs[0].Field, errs[0].Message)
	}

	reservation, err := h.controller.RunInstances(ctx, rc, in)
	if err != nil {
		return nil, err
	}
	return runInstancesResponse{
		XMLNS:          ec2Namespace,
		RequestID:      rc.RequestID,
		xmlReservation: toXMLReservation(*reservation),
	}, nil
}

func (h *Handler) describeInstances(ctx context.Context, rc *auth.RequestContext, params map[string]string) (any, error) {
	ids, err := idListParam(params, "InstanceId")
	if err != nil {
		return nil, err
	}
	reservations, err := h.controller.DescribeInstances(ctx, rc, ids)
	if err != nil {
		return nil, err
	}
	resp := describeInstancesResponse{
		XMLNS:     ec2Namespace,
		RequestID: rc.RequestID,
	}
	for _, r := range reservations {
		resp.Reservations.Items = append(resp.Reservations.Items, toXMLReservation(r))
	}
	return resp, nil
}

func (h *Handler) describeVolumes(ctx context.Context, rc *auth.RequestContext, params map[string]string) (any, error) {
	ids, err := idListParam(params, "VolumeId")
	if err != nil {
		return nil, err
	}
	vols, err := h.controller.DescribeVolumes(ctx, rc, ids)
	if err != nil {
		return nil, err
	}
	resp := describeVolumesResponse{XMLNS: ec2Namespace, RequestID: rc.RequestID}
	for _, v := range vols {
		instanceEC2ID := ""
		if v.InstanceUUID != uuid.Nil {
			if inst, err := h.controller.instanceByUUID(ctx, &v); err == nil {
				instanceEC2ID = inst.EC2ID()
			}
		}
		resp.Volumes = append(resp.Volumes, toXMLVolume(v, instanceEC2ID))
	}
	return resp, nil
}

func (h *Handler) describeAddresses(ctx context.Context, rc *auth.RequestContext) (any, error) {
	ips, err := h.controller.DescribeAddresses(ctx, rc)
	if err != nil {
		return nil, err
	}
	resp := describeAddressesResponse{XMLNS: ec2Namespace, RequestID: rc.RequestID}
	for _, fip := range ips {
		instanceEC2ID := ""
		if fip.FixedAddress != "" {
			if inst, err := h.controller.instances.GetByFixedIP(ctx, fip.FixedAddress); err == nil {
				instanceEC2ID = inst.EC2ID()
			}
		}
		resp.Addresses = append(resp.Addresses, toXMLAddress(fip, instanceEC2ID))
	}
	return resp, nil
}

func (h *Handler) describeSecurityGroups(ctx context.Context, rc *auth.RequestContext, params map[string]string) (any, error) {
	names := listParam(params, "GroupName")
	groups, err := h.controller.DescribeSecurityGroups(ctx, rc, names)
	if err != nil {
		return nil, err
	}

	groupNames := make(map[int64]string, len(groups))
	for _, g := range groups {
		groupNames[g.ID] = g.Name
	}
	resp := describeSecurityGroupsResponse{XMLNS: ec2Namespace, RequestID: rc.RequestID}
	for _, g := range groups {
		resp.Groups = append(resp.Groups, toXMLSecurityGroup(g, groupNames))
	}
	return resp, nil
}

// isMutating reports whether the verb changes state; reads are not
// audited.
func isMutating(action string) bool {
	return !strings.HasPrefix(action, "Describe") && !strings.HasPrefix(action, "Get")
}

// ---- parameter plumbing ----

// requestParams flattens query and form parameters into one map.
func requestParams(r *http.Request) (map[string]string, error) {
	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	params := make(map[string]string, len(r.Form))
	for k, vs := range r.Form {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}
	return params, nil
}

// listParam gathers Name.1, Name.2, ... (and a bare Name) values.
func listParam(params map[string]string, name string) []string {
	var out []string
	if v, ok := params[name]; ok && v != "" {
		out = append(out, v)
	}
	for i := 1; ; i++ {
		v, ok := params[fmt.Sprintf("%s.%d", name, i)]
		if !ok {
			break
		}
		out = append(out, v)
	}
	return out
}

func idParam(params map[string]string, name string) (int64, error) {
	v := params[name]
	if v == "" {
		return 0, apierr.API("%s is required", name)
	}
	id, err := compute.ParseEC2ID(v)
	if err != nil {
		return 0, apierr.API("malformed id %s", v)
	}
	return id, nil
}

func idListParam(params map[string]string, name string) ([]int64, error) {
	var ids []int64
	for _, v := range listParam(params, name) {
		id, err := compute.ParseEC2ID(v)
		if err != nil {
			return nil, apierr.API("malformed id %s", v)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func ruleInput(params map[string]string) RuleInput {
	fromPort, _ := strconv.Atoi(params["FromPort"])
	toPort, _ := strconv.Atoi(params["ToPort"])
	return RuleInput{
		Protocol:        params["IpProtocol"],
		FromPort:        fromPort,
		ToPort:          toPort,
		CIDR:            params["CidrIp"],
		SourceGroupName: params["SourceSecurityGroupName"],
	}
}

func okResponse(name, requestID string) simpleResponse {
	return simpleResponse{
		XMLName:   xml.Name{Local: name},
		XMLNS:     ec2Namespace,
		RequestID: requestID,
		Return:    true,
	}
}

func stateChangeResponse(name, requestID string, changes []StateChange) instanceStateChangeResponse {
	resp := instanceStateChangeResponse{
		XMLName:   xml.Name{Local: name},
		XMLNS:     ec2Namespace,
		RequestID: requestID,
	}
	for _, ch := range changes {
		resp.Instances = append(resp.Instances, xmlStateChange{
			InstanceID:    ch.InstanceID,
			CurrentState:  xmlInstanceState{Code: stateCode(ch.CurrentState), Name: ch.CurrentState},
			PreviousState: xmlInstanceState{Code: stateCode(ch.PreviousState), Name: ch.PreviousState},
		})
	}
	return resp
}

// ---- rendering ----

func (h *Handler) writeXML(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(xml.Header)); err != nil {
		return
	}
	if err := xml.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encoding response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, requestID, action string, err error) {
	code, status := apierr.EC2Code(err)

	message := err.Error()
	var qe *apierr.QuotaError
	if errors.As(err, &qe) {
		message = qe.Error()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("internal error serving action",
			"action", action, "request_id", requestID, "error", err)
		message = "an internal error occurred"
	}
	if action != "" {
		telemetry.APIActionsTotal.WithLabelValues(action, code).Inc()
	}

	h.writeXML(w, status, xmlErrorResponse{
		Errors:    []xmlErrorItem{{Code: code, Message: message}},
		RequestID: requestID,
	})
}
