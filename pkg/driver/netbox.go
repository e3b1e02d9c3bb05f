package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/go-logr/logr"
	runtimeclient "github.com/go-openapi/runtime/client"
	"github.com/go-openapi/strfmt"
	"github.com/netbox-community/go-netbox/netbox"
	"github.com/netbox-community/go-netbox/netbox/client"
	"github.com/netbox-community/go-netbox/netbox/client/ipam"
	"github.com/netbox-community/go-netbox/netbox/models"
)

// DefaultTag marks the Netbox records owned by this controller.
const DefaultTag = "stupidlb"

// NetboxDriver impl the Driver interface with netbox support
type NetboxDriver struct {
	Config NetboxDriverConfig
	Client *client.NetBox
	logger logr.Logger
}

// NetboxDriverConfig contains the connection info to a netbox service
type NetboxDriverConfig struct {
	Host   string `json:"host"`
	APIKey string `json:"apiKey"`
	Debug  bool   `json:"debug"`
	Tag    string `json:"tag"`
}

// ParseNetboxDriverConfig decodes a raw json driver configuration.
func ParseNetboxDriverConfig(rawConfig string) (NetboxDriverConfig, error) {
	config := NetboxDriverConfig{}
	if err := json.Unmarshal([]byte(rawConfig), &config); err != nil {
		return config, err
	}
	return config, nil
}

// NewNetboxDriver construct a NetboxDriver instance with config
func NewNetboxDriver(config NetboxDriverConfig, logger logr.Logger) (*NetboxDriver, error) {
	if config.Host == "" {
		return nil, fmt.Errorf("netbox host not given")
	}
	if config.Tag == "" {
		config.Tag = DefaultTag
	}
	ret := &NetboxDriver{Config: config, logger: logger}
	if ret.Config.Debug {
		logger.Info("Handle netbox in debug mode.")
		t := runtimeclient.New(ret.Config.Host, client.DefaultBasePath, client.DefaultSchemes)
		t.SetDebug(true)
		t.DefaultAuthentication =
			runtimeclient.APIKeyAuth(
				"Authorization",
				"header",
				fmt.Sprintf("Token %v", ret.Config.APIKey),
			)
		ret.Client = client.New(t, strfmt.Default)
	} else {
		ret.Client = netbox.NewNetboxWithAPIKey(ret.Config.Host, ret.Config.APIKey)
	}
	return ret, nil
}

func (d *NetboxDriver) getAddresses(ctx context.Context) ([]*models.IPAddress, error) {
	response, err := d.Client.Ipam.IpamIPAddressesList(
		ipam.NewIpamIPAddressesListParams().
			WithContext(ctx).
			WithTag(&d.Config.Tag), nil)
	if err != nil {
		d.logger.Error(err, "unable to list netbox addresses")
		return nil, err
	}
	return response.Payload.Results, nil
}

// GetAllocated get tagged ip in netbox
func (d *NetboxDriver) GetAllocated(ctx context.Context) ([]Allocation, error) {
	list, err := d.getAddresses(ctx)
	if err != nil {
		return nil, err
	}

	var ret []Allocation
	for _, ip := range list {
		if ip.Address == nil {
			continue
		}
		addr, _, err := net.ParseCIDR(*ip.Address)
		if err != nil {
			d.logger.Error(err, "skipping netbox record", "id", ip.ID)
			continue
		}
		ret = append(ret, Allocation{Address: addr.String(), Owner: ip.Description})
	}
	return ret, nil
}

// MarkAddressAllocated create an ipaddress object in netbox
func (d *NetboxDriver) MarkAddressAllocated(ctx context.Context, addr, owner string) error {
	ip := net.ParseIP(addr)
	if ip == nil || ip.To4() == nil {
		return fmt.Errorf("IPAddress %q is not a valid IPv4 address", addr)
	}

	ipaWithPrefix := (&net.IPNet{IP: ip.To4(), Mask: net.CIDRMask(32, 32)}).String()
	data := &models.WritableIPAddress{
		Address:     &ipaWithPrefix,
		Description: owner,
		Tags:        []string{d.Config.Tag},
	}
	response, err := d.Client.Ipam.IpamIPAddressesCreate(
		ipam.NewIpamIPAddressesCreateParams().WithContext(ctx).WithData(data),
		nil,
	)
	d.logger.V(1).Info("netbox create ipaddress", "response", response, "err", err)
	return err
}

// MarkAddressReleased delete an ipaddress object in netbox
func (d *NetboxDriver) MarkAddressReleased(ctx context.Context, addr string) error {
	iplist, err := d.getAddresses(ctx)
	if err != nil {
		return err
	}

	var id *int64 = nil
	for _, ip := range iplist {
		if ip.Address == nil {
			continue
		}
		if recorded, _, err := net.ParseCIDR(*ip.Address); err == nil && recorded.String() == addr {
			id = &ip.ID
		}
	}

	if id == nil {
		return nil
	}

	response, err := d.Client.Ipam.IpamIPAddressesDelete(
		ipam.NewIpamIPAddressesDeleteParams().WithContext(ctx).WithID(*id),
		nil,
	)
	d.logger.V(1).Info("netbox delete ipaddress", "response", response, "err", err)

	return err
}
