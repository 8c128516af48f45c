package hetzner

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"sync"
	"time"

	"testbed/internal/logging"
	"testbed/internal/utils"
	"testbed/pkg/cloud"
	"testbed/pkg/models"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// Username is the login of Hetzner images
const Username = "root"

const (
	providerName = "hetzner"
	testbedLabel = "testbed"

	cleanupTimeout = 30 * time.Second
)

// serverAPI is the subset of hcloud.ServerClient the provider uses
type serverAPI interface {
	AllWithOpts(ctx context.Context, opts hcloud.ServerListOpts) ([]*hcloud.Server, error)
	GetByID(ctx context.Context, id int64) (*hcloud.Server, *hcloud.Response, error)
	Create(ctx context.Context, opts hcloud.ServerCreateOpts) (hcloud.ServerCreateResult, *hcloud.Response, error)
	Poweron(ctx context.Context, server *hcloud.Server) (*hcloud.Action, *hcloud.Response, error)
	Shutdown(ctx context.Context, server *hcloud.Server) (*hcloud.Action, *hcloud.Response, error)
	Delete(ctx context.Context, server *hcloud.Server) (*hcloud.Response, error)
}

// sshKeyAPI is the subset of hcloud.SSHKeyClient the provider uses
type sshKeyAPI interface {
	GetByFingerprint(ctx context.Context, fingerprint string) (*hcloud.SSHKey, *hcloud.Response, error)
	Create(ctx context.Context, opts hcloud.SSHKeyCreateOpts) (*hcloud.SSHKey, *hcloud.Response, error)
}

// locationAPI is the subset of hcloud.LocationClient the provider uses
type locationAPI interface {
	Get(ctx context.Context, idOrName string) (*hcloud.Location, *hcloud.Response, error)
}

// Options configures a Provider
type Options struct {
	// Testbed labels created servers and scopes ListInstances
	Testbed string
	// ServerType is the server type of every created instance, e.g. cx22
	ServerType string
	Image      string
	// PollInterval is how often CreateInstance checks whether a new server
	// runs. Defaults to two seconds.
	PollInterval time.Duration
	Logger       *logrus.Logger
}

// Provider implements the CloudProvider interface for Hetzner Cloud
type Provider struct {
	servers   serverAPI
	sshKeys   sshKeyAPI
	locations locationAPI

	testbed      string
	serverType   string
	image        string
	pollInterval time.Duration
	logger       *logrus.Entry

	mutex sync.RWMutex
	keys  map[int64]*hcloud.SSHKey
}

var (
	_ cloud.CloudProvider       = (*Provider)(nil)
	_ cloud.CredentialValidator = (*Provider)(nil)
)

// NewProvider creates a provider authenticated with an API token
func NewProvider(token string, opts Options) (*Provider, error) {
	if token == "" {
		return nil, errors.New("HCLOUD_TOKEN environment variable is required")
	}

	client := hcloud.NewClient(
		hcloud.WithToken(token),
		hcloud.WithApplication("testbed", ""),
	)
	return newProvider(&client.Server, &client.SSHKey, &client.Location, opts)
}

func newProvider(servers serverAPI, sshKeys sshKeyAPI, locations locationAPI, opts Options) (*Provider, error) {
	if opts.Testbed == "" {
		return nil, errors.New("testbed name is required")
	}
	if opts.ServerType == "" {
		return nil, errors.New("server type is required")
	}
	if opts.Image == "" {
		return nil, errors.New("image is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}

	return &Provider{
		servers:      servers,
		sshKeys:      sshKeys,
		locations:    locations,
		testbed:      opts.Testbed,
		serverType:   opts.ServerType,
		image:        opts.Image,
		pollInterval: opts.PollInterval,
		logger:       logging.Component(opts.Logger, "provider").WithField("provider", providerName),
		keys:         make(map[int64]*hcloud.SSHKey),
	}, nil
}

// Name returns the adapter name
func (p *Provider) Name() string {
	return providerName
}

// String implements fmt.Stringer
func (p *Provider) String() string {
	return fmt.Sprintf("Hetzner Cloud (%s)", p.testbed)
}

// Username returns the SSH login of the instances
func (p *Provider) Username() string {
	return Username
}

// ValidateCredentials checks the token by listing the testbed's servers
func (p *Provider) ValidateCredentials(ctx context.Context) error {
	if _, err := p.servers.AllWithOpts(ctx, p.listOpts()); err != nil {
		return wrapError("validate credentials", err)
	}
	return nil
}

// ListInstances lists the servers labeled with the testbed name
func (p *Provider) ListInstances(ctx context.Context) ([]models.Instance, error) {
	servers, err := p.servers.AllWithOpts(ctx, p.listOpts())
	if err != nil {
		return nil, wrapError("list instances", err)
	}

	instances := make([]models.Instance, 0, len(servers))
	for _, server := range servers {
		instances = append(instances, convertServer(server))
	}

	p.logger.WithField("instance_count", len(instances)).Debug("Listed instances")
	return instances, nil
}

// StartInstances powers on the given servers
func (p *Provider) StartInstances(ctx context.Context, instances []models.Instance) error {
	return p.forEachServer(ctx, "start instances", instances,
		func(ctx context.Context, server *hcloud.Server) error {
			_, _, err := p.servers.Poweron(ctx, server)
			return err
		})
}

// StopInstances shuts the given servers down gracefully. Hetzner keeps
// billing servers that are off.
func (p *Provider) StopInstances(ctx context.Context, instances []models.Instance) error {
	return p.forEachServer(ctx, "stop instances", instances,
		func(ctx context.Context, server *hcloud.Server) error {
			_, _, err := p.servers.Shutdown(ctx, server)
			return err
		})
}

// forEachServer applies call to every instance. Servers Hetzner does not
// know are skipped.
func (p *Provider) forEachServer(
	ctx context.Context,
	op string,
	instances []models.Instance,
	call func(context.Context, *hcloud.Server) error,
) error {
	for _, instance := range instances {
		id, err := strconv.ParseInt(instance.ID, 10, 64)
		if err != nil {
			p.logger.WithField("instance_id", instance.ID).Debug("Skipping instance with foreign id")
			continue
		}

		err = call(ctx, &hcloud.Server{ID: id})
		if err == nil || hcloud.IsError(err, hcloud.ErrorCodeNotFound) {
			continue
		}
		return wrapError(op, err).WithRegion(instance.Region).WithInstance(instance.ID)
	}
	return nil
}

// CreateInstance creates a server in the given location and waits until
// it runs. A server that never became usable is deleted before the error
// is returned.
func (p *Provider) CreateInstance(ctx context.Context, region string) (models.Instance, error) {
	const op = "create instance"

	location, _, err := p.locations.Get(ctx, region)
	if err != nil {
		return models.Instance{}, wrapError(op, err).WithRegion(region)
	}
	if location == nil {
		return models.Instance{}, cloud.NewError(cloud.KindProvider, providerName, op, cloud.ErrInvalidRegion).WithRegion(region)
	}

	opts := hcloud.ServerCreateOpts{
		Name:       fmt.Sprintf("%s-%s-%x", p.testbed, region, time.Now().UnixNano()),
		ServerType: &hcloud.ServerType{Name: p.serverType},
		Image:      &hcloud.Image{Name: p.image},
		Location:   location,
		SSHKeys:    p.registeredKeys(),
		Labels:     map[string]string{testbedLabel: p.testbed},
		PublicNet: &hcloud.ServerCreatePublicNet{
			EnableIPv4: true,
			EnableIPv6: false,
		},
	}

	result, _, err := p.servers.Create(ctx, opts)
	if err != nil {
		return models.Instance{}, wrapError(op, err).WithRegion(region)
	}
	if result.Server == nil {
		return models.Instance{}, cloud.NewError(cloud.KindProvider, providerName, op, errors.New("no server returned")).WithRegion(region)
	}

	instanceID := strconv.FormatInt(result.Server.ID, 10)
	logger := p.logger.WithFields(logrus.Fields{
		"region":      region,
		"instance_id": instanceID,
	})
	logger.Info("Server created, waiting for it to run")

	server, err := p.waitForRunning(ctx, result.Server.ID)
	if err != nil {
		p.abandon(ctx, result.Server.ID, logger)
		return models.Instance{}, wrapError(op, err).WithRegion(region).WithInstance(instanceID)
	}

	instance := convertServer(server)
	if instance.Region == "" {
		instance.Region = region
	}
	if !instance.MainIP.IsValid() {
		p.abandon(ctx, server.ID, logger)
		return models.Instance{}, cloud.NewError(cloud.KindProvider, providerName, op, errors.New("server has no public IPv4 address")).
			WithRegion(region).WithInstance(instanceID)
	}

	logger.WithField("main_ip", instance.MainIP).Info("Instance created")
	return instance, nil
}

// abandon deletes a server CreateInstance cannot hand out. It gets its own
// deadline so a cancelled ctx still reaches the API.
func (p *Provider) abandon(ctx context.Context, id int64, logger *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	_, err := p.servers.Delete(ctx, &hcloud.Server{ID: id})
	if err != nil && !hcloud.IsError(err, hcloud.ErrorCodeNotFound) {
		logger.WithError(err).Warn("Failed to delete server that never became usable")
		return
	}
	logger.Info("Deleted server that never became usable")
}

// waitForRunning polls the server until Hetzner reports it running
func (p *Provider) waitForRunning(ctx context.Context, id int64) (*hcloud.Server, error) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		server, _, err := p.servers.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if server == nil {
			return nil, hcloud.Error{Code: hcloud.ErrorCodeNotFound, Message: "server disappeared while starting"}
		}
		if server.Status == hcloud.ServerStatusRunning {
			return server, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// DeleteInstance deletes the server. Unknown servers are ignored.
func (p *Provider) DeleteInstance(ctx context.Context, instance models.Instance) error {
	id, err := strconv.ParseInt(instance.ID, 10, 64)
	if err != nil {
		return nil
	}

	_, err = p.servers.Delete(ctx, &hcloud.Server{ID: id})
	if hcloud.IsError(err, hcloud.ErrorCodeNotFound) {
		return nil
	}
	if err != nil {
		return wrapError("delete instance", err).WithRegion(instance.Region).WithInstance(instance.ID)
	}

	p.logger.WithFields(logrus.Fields{
		"region":      instance.Region,
		"instance_id": instance.ID,
	}).Info("Server deleted")
	return nil
}

// RegisterSSHPublicKey uploads the key unless Hetzner already knows its
// fingerprint. Servers created afterwards authorize it.
func (p *Provider) RegisterSSHPublicKey(ctx context.Context, publicKey string) error {
	const op = "register ssh public key"

	key, err := utils.ParsePublicKey(publicKey)
	if err != nil {
		return cloud.NewError(cloud.KindProvider, providerName, op, err)
	}

	sshKey, _, err := p.sshKeys.GetByFingerprint(ctx, ssh.FingerprintLegacyMD5(key))
	if err != nil {
		return wrapError(op, err)
	}

	if sshKey == nil {
		sshKey, _, err = p.sshKeys.Create(ctx, hcloud.SSHKeyCreateOpts{
			Name:      utils.KeyName(key),
			PublicKey: publicKey,
			Labels:    map[string]string{testbedLabel: p.testbed},
		})
		if err != nil {
			return wrapError(op, err)
		}
	}

	p.mutex.Lock()
	p.keys[sshKey.ID] = sshKey
	p.mutex.Unlock()

	p.logger.WithField("key_name", sshKey.Name).Info("SSH public key registered")
	return nil
}

// InstanceSetupCommands returns no commands; Hetzner images need no setup
func (p *Provider) InstanceSetupCommands(ctx context.Context) ([]string, error) {
	return []string{}, nil
}

func (p *Provider) listOpts() hcloud.ServerListOpts {
	return hcloud.ServerListOpts{
		ListOpts: hcloud.ListOpts{
			LabelSelector: testbedLabel + "=" + p.testbed,
		},
	}
}

func (p *Provider) registeredKeys() []*hcloud.SSHKey {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	keys := make([]*hcloud.SSHKey, 0, len(p.keys))
	for _, key := range p.keys {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].ID < keys[j].ID })
	return keys
}

// convertServer maps a Hetzner server onto the provider-agnostic model
func convertServer(server *hcloud.Server) models.Instance {
	instance := models.Instance{
		ID:     strconv.FormatInt(server.ID, 10),
		Tags:   make([]string, 0, len(server.Labels)),
		Status: models.ClassifyStatus(string(server.Status)),
	}

	if server.Datacenter != nil && server.Datacenter.Location != nil {
		instance.Region = server.Datacenter.Location.Name
	}
	if server.ServerType != nil {
		instance.Specs = server.ServerType.Name
	}
	if addr, ok := netip.AddrFromSlice(server.PublicNet.IPv4.IP.To4()); ok {
		instance.MainIP = addr
	}

	keys := make([]string, 0, len(server.Labels))
	for key := range server.Labels {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		instance.Tags = append(instance.Tags, key+"="+server.Labels[key])
	}

	return instance
}

// wrapError classifies a Hetzner error. Errors that are not API errors
// never got an answer from the API.
func wrapError(op string, err error) *cloud.Error {
	kind := cloud.KindTransport

	var apiErr hcloud.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case hcloud.ErrorCodeUnauthorized, hcloud.ErrorCodeForbidden:
			kind = cloud.KindUnauthorized
		case hcloud.ErrorCodeNotFound:
			kind = cloud.KindNotFound
		default:
			kind = cloud.KindProvider
		}
	}

	return cloud.NewError(kind, providerName, op, err)
}
