// Package memory provides an in-memory CloudProvider for exercising
// orchestration logic without touching real infrastructure.
package memory

import (
	"context"
	"net/netip"
	"strconv"
	"sync"

	"testbed/pkg/cloud"
	"testbed/pkg/models"
)

// Username is the SSH login of memory instances
const Username = "root"

const providerName = "memory"

// Client implements the CloudProvider interface on an in-memory table
type Client struct {
	specs string

	mutex     sync.Mutex
	instances []models.Instance
	created   int
}

var _ cloud.CloudProvider = (*Client)(nil)

// NewClient creates an empty client whose instances all use specs
func NewClient(specs string) *Client {
	return &Client{specs: specs}
}

// Name returns the adapter name
func (c *Client) Name() string {
	return providerName
}

// String implements fmt.Stringer
func (c *Client) String() string {
	return c.Name()
}

// Username returns the SSH login of memory instances
func (c *Client) Username() string {
	return Username
}

// ListInstances returns a copy of every instance held
func (c *Client) ListInstances(ctx context.Context) ([]models.Instance, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	instances := make([]models.Instance, 0, len(c.instances))
	for _, instance := range c.instances {
		instances = append(instances, instance.Clone())
	}
	return instances, nil
}

// StartInstances marks the given instances active
func (c *Client) StartInstances(ctx context.Context, instances []models.Instance) error {
	c.setStatus(instances, models.Active)
	return nil
}

// StopInstances marks the given instances inactive
func (c *Client) StopInstances(ctx context.Context, instances []models.Instance) error {
	c.setStatus(instances, models.Inactive)
	return nil
}

// setStatus flips the status of every held instance whose id is in
// instances. Ids the client does not hold are ignored.
func (c *Client) setStatus(instances []models.Instance, status models.InstanceStatus) {
	ids := make(map[string]struct{}, len(instances))
	for _, instance := range instances {
		ids[instance.ID] = struct{}{}
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	for i := range c.instances {
		if _, ok := ids[c.instances[i].ID]; ok {
			c.instances[i].Status = status
		}
	}
}

// CreateInstance adds an active instance in region. Ids count the
// instances created by this client, starting at "0".
func (c *Client) CreateInstance(ctx context.Context, region string) (models.Instance, error) {
	if region == "" {
		return models.Instance{}, cloud.NewError(cloud.KindProvider, providerName, "create instance", cloud.ErrInvalidRegion)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	id := c.created
	c.created++

	instance := models.Instance{
		ID:     strconv.Itoa(id),
		Region: region,
		MainIP: loopbackAddr(id),
		Tags:   []string{},
		Specs:  c.specs,
		Status: models.Active,
	}
	c.instances = append(c.instances, instance)

	return instance.Clone(), nil
}

// DeleteInstance removes the instance. Unknown ids are ignored.
func (c *Client) DeleteInstance(ctx context.Context, instance models.Instance) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	kept := c.instances[:0]
	for _, held := range c.instances {
		if held.ID != instance.ID {
			kept = append(kept, held)
		}
	}
	c.instances = kept
	return nil
}

// RegisterSSHPublicKey does nothing; there is no machine to configure
func (c *Client) RegisterSSHPublicKey(ctx context.Context, publicKey string) error {
	return nil
}

// InstanceSetupCommands returns no commands
func (c *Client) InstanceSetupCommands(ctx context.Context) ([]string, error) {
	return []string{}, nil
}

// loopbackAddr derives a distinct 127.0.0.0/8 address from id
func loopbackAddr(id int) netip.Addr {
	n := uint32(id+1) & 0x00ffffff
	return netip.AddrFrom4([4]byte{127, byte(n >> 16), byte(n >> 8), byte(n)})
}
