package cloud

import (
	"encoding/xml"
	"time"

	"github.com/wisbric/cumulus/pkg/compute"
	"github.com/wisbric/cumulus/pkg/firewall"
	"github.com/wisbric/cumulus/pkg/identity"
	"github.com/wisbric/cumulus/pkg/image"
	"github.com/wisbric/cumulus/pkg/network"
	"github.com/wisbric/cumulus/pkg/volume"
)

// The response schema mirrors the EC2 query API wire format.

const ec2Namespace = "http://ec2.amazonaws.com/doc/2010-08-31/"

type xmlErrorResponse struct {
	XMLName   xml.Name       `xml:"Response"`
	Errors    []xmlErrorItem `xml:"Errors>Error"`
	RequestID string         `xml:"RequestID"`
}

type xmlErrorItem struct {
	Code    string `xml:"Code"`
	Message string `xml:"Message"`
}

type xmlInstanceState struct {
	Code int    `xml:"code"`
	Name string `xml:"name"`
}

type xmlGroupItem struct {
	GroupID string `xml:"groupId"`
}

type xmlPlacement struct {
	AvailabilityZone string `xml:"availabilityZone"`
}

type xmlInstance struct {
	InstanceID       string           `xml:"instanceId"`
	ImageID          string           `xml:"imageId"`
	State            xmlInstanceState `xml:"instanceState"`
	PrivateDNSName   string           `xml:"privateDnsName"`
	DNSName          string           `xml:"dnsName"`
	KeyName          string           `xml:"keyName,omitempty"`
	AMILaunchIndex   int              `xml:"amiLaunchIndex"`
	InstanceType     string           `xml:"instanceType"`
	LaunchTime       string           `xml:"launchTime"`
	Placement        xmlPlacement     `xml:"placement"`
	KernelID         string           `xml:"kernelId,omitempty"`
	RamdiskID        string           `xml:"ramdiskId,omitempty"`
	PrivateIPAddress string           `xml:"privateIpAddress,omitempty"`
	IPAddress        string           `xml:"ipAddress,omitempty"`
}

type xmlReservation struct {
	ReservationID string         `xml:"reservationId"`
	OwnerID       string         `xml:"ownerId"`
	Groups        []xmlGroupItem `xml:"groupSet>item"`
	Instances     []xmlInstance  `xml:"instancesSet>item"`
}

type runInstancesResponse struct {
	XMLName   xml.Name `xml:"RunInstancesResponse"`
	XMLNS     string   `xml:"xmlns,attr"`
	RequestID string   `xml:"requestId"`
	xmlReservation
}

// xmlReservationSet wraps the item list so an empty result still renders
// an explicit (empty) reservationSet element.
type xmlReservationSet struct {
	Items []xmlReservation `xml:"item"`
}

type describeInstancesResponse struct {
	XMLName      xml.Name          `xml:"DescribeInstancesResponse"`
	XMLNS        string            `xml:"xmlns,attr"`
	RequestID    string            `xml:"requestId"`
	Reservations xmlReservationSet `xml:"reservationSet"`
}

type xmlStateChange struct {
	InstanceID    string           `xml:"instanceId"`
	CurrentState  xmlInstanceState `xml:"currentState"`
	PreviousState xmlInstanceState `xml:"previousState"`
}

type instanceStateChangeResponse struct {
	XMLName   xml.Name
	XMLNS     string           `xml:"xmlns,attr"`
	RequestID string           `xml:"requestId"`
	Instances []xmlStateChange `xml:"instancesSet>item"`
}

type simpleResponse struct {
	XMLName   xml.Name
	XMLNS     string   `xml:"xmlns,attr"`
	RequestID string   `xml:"requestId"`
	Return    bool     `xml:"return"`
}

type xmlVolume struct {
	VolumeID     string          `xml:"volumeId"`
	Size         int64           `xml:"size"`
	SnapshotID   string          `xml:"snapshotId,omitempty"`
	Status       string          `xml:"status"`
	CreateTime   string          `xml:"createTime"`
	Attachments  []xmlAttachment `xml:"attachmentSet>item"`
	AttachStatus string          `xml:"attachStatus"`
}

type xmlAttachment struct {
	VolumeID   string `xml:"volumeId"`
	InstanceID string `xml:"instanceId"`
	Device     string `xml:"device"`
	Status     string `xml:"status"`
}

type createVolumeResponse struct {
	XMLName   xml.Name `xml:"CreateVolumeResponse"`
	XMLNS     string   `xml:"xmlns,attr"`
	RequestID string   `xml:"requestId"`
	xmlVolume
}

type describeVolumesResponse struct {
	XMLName   xml.Name    `xml:"DescribeVolumesResponse"`
	XMLNS     string      `xml:"xmlns,attr"`
	RequestID string      `xml:"requestId"`
	Volumes   []xmlVolume `xml:"volumeSet>item"`
}

type attachmentResponse struct {
	XMLName   xml.Name
	XMLNS     string   `xml:"xmlns,attr"`
	RequestID string   `xml:"requestId"`
	xmlAttachment
}

type xmlSnapshot struct {
	SnapshotID string `xml:"snapshotId"`
	VolumeID   string `xml:"volumeId"`
	Status     string `xml:"status"`
	StartTime  string `xml:"startTime"`
	Progress   string `xml:"progress"`
	VolumeSize int64  `xml:"volumeSize"`
}

type createSnapshotResponse struct {
	XMLName   xml.Name `xml:"CreateSnapshotResponse"`
	XMLNS     string   `xml:"xmlns,attr"`
	RequestID string   `xml:"requestId"`
	xmlSnapshot
}

type describeSnapshotsResponse struct {
	XMLName   xml.Name      `xml:"DescribeSnapshotsResponse"`
	XMLNS     string        `xml:"xmlns,attr"`
	RequestID string        `xml:"requestId"`
	Snapshots []xmlSnapshot `xml:"snapshotSet>item"`
}

type allocateAddressResponse struct {
	XMLName   xml.Name `xml:"AllocateAddressResponse"`
	XMLNS     string   `xml:"xmlns,attr"`
	RequestID string   `xml:"requestId"`
	PublicIP  string   `xml:"publicIp"`
}

type xmlAddress struct {
	PublicIP   string `xml:"publicIp"`
	InstanceID string `xml:"instanceId,omitempty"`
}

type describeAddressesResponse struct {
	XMLName   xml.Name     `xml:"DescribeAddressesResponse"`
	XMLNS     string       `xml:"xmlns,attr"`
	RequestID string       `xml:"requestId"`
	Addresses []xmlAddress `xml:"addressesSet>item"`
}

type xmlIPPermission struct {
	Protocol string       `xml:"ipProtocol"`
	FromPort int          `xml:"fromPort"`
	ToPort   int          `xml:"toPort"`
	Groups   []xmlGroupID `xml:"groups>item"`
	IPRanges []xmlIPRange `xml:"ipRanges>item"`
}

type xmlGroupID struct {
	GroupName string `xml:"groupName"`
}

type xmlIPRange struct {
	CIDR string `xml:"cidrIp"`
}

type xmlSecurityGroup struct {
	OwnerID     string            `xml:"ownerId"`
	GroupName   string            `xml:"groupName"`
	Description string            `xml:"groupDescription"`
	Permissions []xmlIPPermission `xml:"ipPermissions>item"`
}

type describeSecurityGroupsResponse struct {
	XMLName   xml.Name           `xml:"DescribeSecurityGroupsResponse"`
	XMLNS     string             `xml:"xmlns,attr"`
	RequestID string             `xml:"requestId"`
	Groups    []xmlSecurityGroup `xml:"securityGroupInfo>item"`
}

type createKeyPairResponse struct {
	XMLName     xml.Name `xml:"CreateKeyPairResponse"`
	XMLNS       string   `xml:"xmlns,attr"`
	RequestID   string   `xml:"requestId"`
	KeyName     string   `xml:"keyName"`
	Fingerprint string   `xml:"keyFingerprint"`
	KeyMaterial string   `xml:"keyMaterial"`
}

type importKeyPairResponse struct {
	XMLName     xml.Name `xml:"ImportKeyPairResponse"`
	XMLNS       string   `xml:"xmlns,attr"`
	RequestID   string   `xml:"requestId"`
	KeyName     string   `xml:"keyName"`
	Fingerprint string   `xml:"keyFingerprint"`
}

type xmlKeyPair struct {
	KeyName     string `xml:"keyName"`
	Fingerprint string `xml:"keyFingerprint"`
}

type describeKeyPairsResponse struct {
	XMLName   xml.Name     `xml:"DescribeKeyPairsResponse"`
	XMLNS     string       `xml:"xmlns,attr"`
	RequestID string       `xml:"requestId"`
	Keys      []xmlKeyPair `xml:"keySet>item"`
}

type xmlImage struct {
	ImageID       string `xml:"imageId"`
	ImageLocation string `xml:"imageLocation"`
	ImageState    string `xml:"imageState"`
	OwnerID       string `xml:"imageOwnerId"`
	IsPublic      bool   `xml:"isPublic"`
	ImageType     string `xml:"imageType"`
	KernelID      string `xml:"kernelId,omitempty"`
	RamdiskID     string `xml:"ramdiskId,omitempty"`
}

type describeImagesResponse struct {
	XMLName   xml.Name   `xml:"DescribeImagesResponse"`
	XMLNS     string     `xml:"xmlns,attr"`
	RequestID string     `xml:"requestId"`
	Images    []xmlImage `xml:"imagesSet>item"`
}

type registerImageResponse struct {
	XMLName   xml.Name `xml:"RegisterImageResponse"`
	XMLNS     string   `xml:"xmlns,attr"`
	RequestID string   `xml:"requestId"`
	ImageID   string   `xml:"imageId"`
}

type deregisterImageResponse struct {
	XMLName   xml.Name `xml:"DeregisterImageResponse"`
	XMLNS     string   `xml:"xmlns,attr"`
	RequestID string   `xml:"requestId"`
	ImageID   string   `xml:"imageId"`
}

type xmlAvailabilityZone struct {
	ZoneName  string   `xml:"zoneName"`
	ZoneState string   `xml:"zoneState"`
	Messages  []string `xml:"messageSet>item,omitempty"`
}

type describeAvailabilityZonesResponse struct {
	XMLName   xml.Name              `xml:"DescribeAvailabilityZonesResponse"`
	XMLNS     string                `xml:"xmlns,attr"`
	RequestID string                `xml:"requestId"`
	Zones     []xmlAvailabilityZone `xml:"availabilityZoneInfo>item"`
}

type xmlRegion struct {
	RegionName string `xml:"regionName"`
	Endpoint   string `xml:"regionEndpoint"`
}

type describeRegionsResponse struct {
	XMLName   xml.Name    `xml:"DescribeRegionsResponse"`
	XMLNS     string      `xml:"xmlns,attr"`
	RequestID string      `xml:"requestId"`
	Regions   []xmlRegion `xml:"regionInfo>item"`
}

type consoleOutputResponse struct {
	XMLName    xml.Name `xml:"GetConsoleOutputResponse"`
	XMLNS      string   `xml:"xmlns,attr"`
	RequestID  string   `xml:"requestId"`
	InstanceID string   `xml:"instanceId"`
	Timestamp  string   `xml:"timestamp"`
	Output     string   `xml:"output"`
}

type passwordDataResponse struct {
	XMLName      xml.Name `xml:"GetPasswordDataResponse"`
	XMLNS        string   `xml:"xmlns,attr"`
	RequestID    string   `xml:"requestId"`
	InstanceID   string   `xml:"instanceId"`
	Timestamp    string   `xml:"timestamp"`
	PasswordData string   `xml:"passwordData"`
}

// ---- converters ----

// stateCode maps internal instance states to EC2 numeric codes.
func stateCode(state string) int {
	switch state {
	case compute.StateRunning, compute.StateRebooting, compute.StateRescued:
		return 16
	case compute.StateTerminating:
		return 32
	case compute.StateDeleted:
		return 48
	case compute.StateStopping:
		return 64
	case compute.StateStopped:
		return 80
	default:
		return 0 // pending-class states
	}
}

func toXMLInstance(inst compute.Instance) xmlInstance {
	return xmlInstance{
		InstanceID:       inst.EC2ID(),
		ImageID:          inst.ImageRef,
		State:            xmlInstanceState{Code: stateCode(inst.State), Name: inst.State},
		PrivateDNSName:   inst.PrivateIP,
		DNSName:          inst.PublicIP,
		KeyName:          inst.KeyName,
		AMILaunchIndex:   inst.LaunchIndex,
		InstanceType:     inst.InstanceType,
		LaunchTime:       inst.LaunchTime.UTC().Format(time.RFC3339),
		Placement:        xmlPlacement{AvailabilityZone: inst.AvailabilityZone},
		KernelID:         inst.KernelRef,
		RamdiskID:        inst.RamdiskRef,
		PrivateIPAddress: inst.PrivateIP,
		IPAddress:        inst.PublicIP,
	}
}

func toXMLReservation(r Reservation) xmlReservation {
	out := xmlReservation{
		ReservationID: r.ReservationID,
		OwnerID:       r.OwnerID,
	}
	for _, g := range r.Groups {
		out.Groups = append(out.Groups, xmlGroupItem{GroupID: g})
	}
	for _, inst := range r.Instances {
		out.Instances = append(out.Instances, toXMLInstance(inst))
	}
	return out
}

func toXMLVolume(v volume.Volume, instanceEC2ID string) xmlVolume {
	out := xmlVolume{
		VolumeID:     v.EC2ID(),
		Size:         v.SizeGB,
		Status:       v.Status,
		CreateTime:   v.CreatedAt.UTC().Format(time.RFC3339),
		AttachStatus: v.AttachStatus,
	}
	if v.SnapshotID != 0 {
		out.SnapshotID = compute.FormatEC2ID("snap", v.SnapshotID)
	}
	if v.AttachStatus == volume.Attached {
		out.Attachments = append(out.Attachments, xmlAttachment{
			VolumeID:   v.EC2ID(),
			InstanceID: instanceEC2ID,
			Device:     v.Mountpoint,
			Status:     v.AttachStatus,
		})
	}
	return out
}

func toXMLSnapshot(s volume.Snapshot) xmlSnapshot {
	return xmlSnapshot{
		SnapshotID: s.EC2ID(),
		VolumeID:   compute.FormatEC2ID("vol", s.VolumeID),
		Status:     s.Status,
		StartTime:  s.CreatedAt.UTC().Format(time.RFC3339),
		Progress:   s.Progress,
		VolumeSize: s.VolumeSizeGB,
	}
}

func toXMLSecurityGroup(g firewall.SecurityGroup, groupNames map[int64]string) xmlSecurityGroup {
	out := xmlSecurityGroup{
		OwnerID:     g.ProjectID,
		GroupName:   g.Name,
		Description: g.Description,
	}
	for _, r := range g.Rules {
		perm := xmlIPPermission{
			Protocol: r.Protocol,
			FromPort: r.FromPort,
			ToPort:   r.ToPort,
		}
		if r.CIDR != "" {
			perm.IPRanges = append(perm.IPRanges, xmlIPRange{CIDR: r.CIDR})
		}
		if r.SourceGroupID != 0 {
			perm.Groups = append(perm.Groups, xmlGroupID{GroupName: groupNames[r.SourceGroupID]})
		}
		out.Permissions = append(out.Permissions, perm)
	}
	return out
}

func toXMLKeyPair(kp identity.KeyPair) xmlKeyPair {
	return xmlKeyPair{KeyName: kp.Name, Fingerprint: kp.Fingerprint}
}

func toXMLImage(img image.Image) xmlImage {
	imageType := "machine"
	switch img.Container {
	case image.ContainerKernel:
		imageType = "kernel"
	case image.ContainerRamdisk:
		imageType = "ramdisk"
	}
	return xmlImage{
		ImageID:       img.ID,
		ImageLocation: img.Location,
		ImageState:    img.State,
		OwnerID:       img.OwnerID,
		IsPublic:      img.Public,
		ImageType:     imageType,
		KernelID:      img.KernelID,
		RamdiskID:     img.RamdiskID,
	}
}

func toXMLAddress(fip network.FloatingIP, instanceEC2ID string) xmlAddress {
	return xmlAddress{PublicIP: fip.Address, InstanceID: instanceEC2ID}
}
