package aws

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"testbed/internal/logging"
	"testbed/internal/utils"
	"testbed/pkg/cloud"
	"testbed/pkg/models"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/sirupsen/logrus"
)

// Username is the default login of Amazon Linux images
const Username = "ec2-user"

const (
	providerName   = "aws"
	managedByKey   = "ManagedBy"
	managedByValue = "testbed"
	nvmeDevice     = "/dev/nvme1n1"
	cleanupTimeout = 30 * time.Second
)

// Options configures a Provider
type Options struct {
	// Testbed is written to the Name tag and scopes ListInstances
	Testbed string
	// InstanceType is the EC2 instance type of every created instance
	InstanceType string
	// NVMe enables the instance-store setup commands
	NVMe   bool
	Logger *logrus.Logger
}

// Provider implements the CloudProvider interface for AWS
type Provider struct {
	clients      map[string]ec2iface.EC2API
	testbed      string
	instanceType string
	nvme         bool
	logger       *logrus.Entry

	mutex   sync.RWMutex
	keyName string
}

var (
	_ cloud.CloudProvider       = (*Provider)(nil)
	_ cloud.CredentialValidator = (*Provider)(nil)
)

// NewProvider creates a provider with one EC2 client per region
func NewProvider(regions []string, accessKey, secretKey string, opts Options) (*Provider, error) {
	if len(regions) == 0 {
		return nil, errors.New("at least one region is required")
	}
	if accessKey == "" {
		return nil, errors.New("AWS_ACCESS_KEY_ID environment variable is required")
	}
	if secretKey == "" {
		return nil, errors.New("AWS_SECRET_ACCESS_KEY environment variable is required")
	}

	clients := make(map[string]ec2iface.EC2API, len(regions))
	for _, region := range regions {
		sess, err := session.NewSession(&aws.Config{
			Region:      aws.String(region),
			Credentials: credentials.NewStaticCredentials(accessKey, secretKey, ""),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create AWS session for %s: %w", region, err)
		}
		clients[region] = ec2.New(sess)
	}

	return NewProviderWithClients(clients, opts)
}

// NewProviderWithClients creates a provider on top of existing EC2 clients,
// keyed by region
func NewProviderWithClients(clients map[string]ec2iface.EC2API, opts Options) (*Provider, error) {
	if len(clients) == 0 {
		return nil, errors.New("at least one region is required")
	}
	if opts.Testbed == "" {
		return nil, errors.New("testbed name is required")
	}
	if opts.InstanceType == "" {
		return nil, errors.New("instance type is required")
	}

	return &Provider{
		clients:      clients,
		testbed:      opts.Testbed,
		instanceType: opts.InstanceType,
		nvme:         opts.NVMe,
		logger:       logging.Component(opts.Logger, "provider").WithField("provider", providerName),
	}, nil
}

// Name returns the adapter name
func (p *Provider) Name() string {
	return providerName
}

// String implements fmt.Stringer
func (p *Provider) String() string {
	return fmt.Sprintf("AWS EC2 (%s)", p.testbed)
}

// Username returns the SSH login of the instances
func (p *Provider) Username() string {
	return Username
}

// ValidateCredentials checks if AWS credentials are valid
func (p *Provider) ValidateCredentials(ctx context.Context) error {
	region := p.regions()[0]
	_, err := p.clients[region].DescribeRegionsWithContext(ctx, &ec2.DescribeRegionsInput{})
	if err != nil {
		return p.wrapError("validate credentials", err).WithRegion(region)
	}
	return nil
}

// ListInstances lists the instances of the testbed in every configured region
func (p *Provider) ListInstances(ctx context.Context) ([]models.Instance, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: []*ec2.Filter{
			{
				Name:   aws.String("tag:" + managedByKey),
				Values: []*string{aws.String(managedByValue)},
			},
			{
				Name:   aws.String("tag:Name"),
				Values: []*string{aws.String(p.testbed)},
			},
		},
	}

	var instances []models.Instance
	for _, region := range p.regions() {
		err := p.clients[region].DescribeInstancesPagesWithContext(ctx, input,
			func(page *ec2.DescribeInstancesOutput, lastPage bool) bool {
				for _, reservation := range page.Reservations {
					for _, instance := range reservation.Instances {
						instances = append(instances, convertInstance(region, instance))
					}
				}
				return true
			})
		if err != nil {
			return nil, p.wrapError("list instances", err).WithRegion(region)
		}
	}

	p.logger.WithField("instance_count", len(instances)).Debug("Listed instances")
	return instances, nil
}

// StartInstances starts the given instances, region by region
func (p *Provider) StartInstances(ctx context.Context, instances []models.Instance) error {
	return p.forEachRegion(ctx, "start instances", instances,
		func(ctx context.Context, client ec2iface.EC2API, ids []*string) error {
			_, err := client.StartInstancesWithContext(ctx, &ec2.StartInstancesInput{InstanceIds: ids})
			return err
		})
}

// StopInstances stops the given instances, region by region
func (p *Provider) StopInstances(ctx context.Context, instances []models.Instance) error {
	return p.forEachRegion(ctx, "stop instances", instances,
		func(ctx context.Context, client ec2iface.EC2API, ids []*string) error {
			_, err := client.StopInstancesWithContext(ctx, &ec2.StopInstancesInput{InstanceIds: ids})
			return err
		})
}

// forEachRegion groups instances by region and applies call to each group.
// A batch rejected because one of its ids is unknown is retried one
// instance at a time so the known ones still transition. Instances without
// a region, such as ids the listing does not show yet, are tried in every
// configured region.
func (p *Provider) forEachRegion(
	ctx context.Context,
	op string,
	instances []models.Instance,
	call func(context.Context, ec2iface.EC2API, []*string) error,
) error {
	byRegion := make(map[string][]*string)
	var regions []string
	var unplaced []string
	for _, instance := range instances {
		if instance.Region == "" {
			unplaced = append(unplaced, instance.ID)
			continue
		}
		if _, ok := byRegion[instance.Region]; !ok {
			regions = append(regions, instance.Region)
		}
		byRegion[instance.Region] = append(byRegion[instance.Region], aws.String(instance.ID))
	}

	for _, region := range regions {
		client, ok := p.clients[region]
		if !ok {
			return cloud.NewError(cloud.KindProvider, providerName, op, cloud.ErrInvalidRegion).
				WithRegion(region).WithInstance(aws.StringValue(byRegion[region][0]))
		}

		ids := byRegion[region]
		err := call(ctx, client, ids)
		if err == nil {
			continue
		}
		if classifyError(err) != cloud.KindNotFound {
			return p.wrapError(op, err).WithRegion(region)
		}

		p.logger.WithFields(logrus.Fields{
			"region":    region,
			"operation": op,
		}).Debug("Batch contains unknown instances, retrying one by one")

		for _, id := range ids {
			err := call(ctx, client, []*string{id})
			if err == nil || classifyError(err) == cloud.KindNotFound {
				continue
			}
			return p.wrapError(op, err).WithRegion(region).WithInstance(aws.StringValue(id))
		}
	}

	for _, id := range unplaced {
		failure := p.inAnyRegion(ctx, id, func(ctx context.Context, client ec2iface.EC2API) error {
			return call(ctx, client, []*string{aws.String(id)})
		})
		if failure != nil {
			return p.wrapError(op, failure.err).WithRegion(failure.region).WithInstance(id)
		}
	}

	return nil
}

// regionError is a failure of call in a specific region
type regionError struct {
	region string
	err    error
}

// inAnyRegion applies call for instance id in every configured region
// until one region knows the instance. An id no region knows is not an
// error.
func (p *Provider) inAnyRegion(ctx context.Context, id string, call func(context.Context, ec2iface.EC2API) error) *regionError {
	for _, region := range p.regions() {
		err := call(ctx, p.clients[region])
		if err == nil {
			return nil
		}
		if classifyError(err) != cloud.KindNotFound {
			return &regionError{region: region, err: err}
		}
	}

	p.logger.WithField("instance_id", id).Debug("Instance unknown in every region")
	return nil
}

// CreateInstance launches one instance in region and waits until it runs.
// An instance that launched but never became usable is terminated before
// the error is returned.
func (p *Provider) CreateInstance(ctx context.Context, region string) (models.Instance, error) {
	const op = "create instance"

	client, ok := p.clients[region]
	if !ok {
		return models.Instance{}, cloud.NewError(cloud.KindProvider, providerName, op, cloud.ErrInvalidRegion).WithRegion(region)
	}
	logger := p.logger.WithField("region", region)

	amiID, err := getLatestAmazonLinuxAMI(ctx, client)
	if err != nil {
		logger.WithError(err).Warn("Failed to look up the latest AMI, using fallback")
		amiID = fallbackAMI(region)
	}

	subnetID, err := getDefaultSubnet(ctx, client)
	if err != nil {
		return models.Instance{}, p.wrapError(op, err).WithRegion(region)
	}

	securityGroupID, err := createOrGetSecurityGroup(ctx, client, p.testbed+"-sg", logger)
	if err != nil {
		return models.Instance{}, p.wrapError(op, err).WithRegion(region)
	}

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(amiID),
		InstanceType: aws.String(p.instanceType),
		MinCount:     aws.Int64(1),
		MaxCount:     aws.Int64(1),
		NetworkInterfaces: []*ec2.InstanceNetworkInterfaceSpecification{
			{
				DeviceIndex:              aws.Int64(0),
				SubnetId:                 aws.String(subnetID),
				Groups:                   []*string{aws.String(securityGroupID)},
				AssociatePublicIpAddress: aws.Bool(true),
			},
		},
		TagSpecifications: []*ec2.TagSpecification{
			{
				ResourceType: aws.String(ec2.ResourceTypeInstance),
				Tags: []*ec2.Tag{
					{Key: aws.String("Name"), Value: aws.String(p.testbed)},
					{Key: aws.String(managedByKey), Value: aws.String(managedByValue)},
				},
			},
		},
	}
	if keyName := p.registeredKey(); keyName != "" {
		input.KeyName = aws.String(keyName)
	}

	runResult, err := client.RunInstancesWithContext(ctx, input)
	if err != nil {
		return models.Instance{}, p.wrapError(op, err).WithRegion(region)
	}
	if len(runResult.Instances) == 0 {
		return models.Instance{}, cloud.NewError(cloud.KindProvider, providerName, op, errors.New("no instance returned")).WithRegion(region)
	}

	instanceID := aws.StringValue(runResult.Instances[0].InstanceId)
	logger = logger.WithField("instance_id", instanceID)
	logger.Info("Instance launched, waiting for it to run")

	describe := &ec2.DescribeInstancesInput{InstanceIds: []*string{aws.String(instanceID)}}
	if err := client.WaitUntilInstanceRunningWithContext(ctx, describe); err != nil {
		p.abandon(ctx, client, instanceID, logger)
		return models.Instance{}, p.wrapError(op, err).WithRegion(region).WithInstance(instanceID)
	}

	result, err := client.DescribeInstancesWithContext(ctx, describe)
	if err != nil {
		return models.Instance{}, p.wrapError(op, err).WithRegion(region).WithInstance(instanceID)
	}
	if len(result.Reservations) == 0 || len(result.Reservations[0].Instances) == 0 {
		return models.Instance{}, cloud.NewError(cloud.KindNotFound, providerName, op, errors.New("instance not found")).
			WithRegion(region).WithInstance(instanceID)
	}

	instance := convertInstance(region, result.Reservations[0].Instances[0])
	if !instance.MainIP.IsValid() {
		p.abandon(ctx, client, instanceID, logger)
		return models.Instance{}, cloud.NewError(cloud.KindProvider, providerName, op, errors.New("instance has no public IPv4 address")).
			WithRegion(region).WithInstance(instanceID)
	}

	logger.WithField("main_ip", instance.MainIP).Info("Instance created")
	return instance, nil
}

// abandon terminates an instance CreateInstance cannot hand out. It gets
// its own deadline so a cancelled ctx still reaches the API.
func (p *Provider) abandon(ctx context.Context, client ec2iface.EC2API, instanceID string, logger *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	_, err := client.TerminateInstancesWithContext(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []*string{aws.String(instanceID)},
	})
	if err != nil && classifyError(err) != cloud.KindNotFound {
		logger.WithError(err).Warn("Failed to terminate instance that never became usable")
		return
	}
	logger.Info("Terminated instance that never became usable")
}

// DeleteInstance terminates the instance. Unknown instances are ignored.
func (p *Provider) DeleteInstance(ctx context.Context, instance models.Instance) error {
	const op = "delete instance"

	terminate := func(ctx context.Context, client ec2iface.EC2API) error {
		_, err := client.TerminateInstancesWithContext(ctx, &ec2.TerminateInstancesInput{
			InstanceIds: []*string{aws.String(instance.ID)},
		})
		return err
	}

	if instance.Region == "" {
		if failure := p.inAnyRegion(ctx, instance.ID, terminate); failure != nil {
			return p.wrapError(op, failure.err).WithRegion(failure.region).WithInstance(instance.ID)
		}
		return nil
	}

	client, ok := p.clients[instance.Region]
	if !ok {
		return cloud.NewError(cloud.KindProvider, providerName, op, cloud.ErrInvalidRegion).
			WithRegion(instance.Region).WithInstance(instance.ID)
	}

	if err := terminate(ctx, client); err != nil && classifyError(err) != cloud.KindNotFound {
		return p.wrapError(op, err).WithRegion(instance.Region).WithInstance(instance.ID)
	}

	p.logger.WithFields(logrus.Fields{
		"region":      instance.Region,
		"instance_id": instance.ID,
	}).Info("Instance terminated")
	return nil
}

// RegisterSSHPublicKey imports the key in every region. Instances created
// afterwards authorize it.
func (p *Provider) RegisterSSHPublicKey(ctx context.Context, publicKey string) error {
	const op = "register ssh public key"

	key, err := utils.ParsePublicKey(publicKey)
	if err != nil {
		return cloud.NewError(cloud.KindProvider, providerName, op, err)
	}
	keyName := utils.KeyName(key)

	for _, region := range p.regions() {
		_, err := p.clients[region].ImportKeyPairWithContext(ctx, &ec2.ImportKeyPairInput{
			KeyName:           aws.String(keyName),
			PublicKeyMaterial: []byte(publicKey),
		})
		if err != nil && !isDuplicate(err) {
			return p.wrapError(op, err).WithRegion(region)
		}
	}

	p.mutex.Lock()
	p.keyName = keyName
	p.mutex.Unlock()

	p.logger.WithField("key_name", keyName).Info("SSH public key registered")
	return nil
}

// InstanceSetupCommands formats and mounts the instance-store disk when
// NVMe is enabled
func (p *Provider) InstanceSetupCommands(ctx context.Context) ([]string, error) {
	if !p.nvme {
		return []string{}, nil
	}

	dataDir := "/home/" + Username + "/data"
	return []string{
		fmt.Sprintf("(sudo mkfs.ext4 -E nodiscard %s || true)", nvmeDevice),
		fmt.Sprintf("mkdir -p %s", dataDir),
		fmt.Sprintf("(sudo mount %s %s || true)", nvmeDevice, dataDir),
		fmt.Sprintf("sudo chown -R %s:%s %s", Username, Username, dataDir),
	}, nil
}

func (p *Provider) registeredKey() string {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.keyName
}

// regions returns the configured regions in a stable order
func (p *Provider) regions() []string {
	regions := make([]string, 0, len(p.clients))
	for region := range p.clients {
		regions = append(regions, region)
	}
	sort.Strings(regions)
	return regions
}

func (p *Provider) wrapError(op string, err error) *cloud.Error {
	return cloud.NewError(classifyError(err), providerName, op, err)
}

// convertInstance maps an EC2 instance onto the provider-agnostic model
func convertInstance(region string, instance *ec2.Instance) models.Instance {
	result := models.Instance{
		ID:     aws.StringValue(instance.InstanceId),
		Region: region,
		Tags:   make([]string, 0, len(instance.Tags)),
		Specs:  aws.StringValue(instance.InstanceType),
		Status: models.Inactive,
	}

	if instance.State != nil {
		result.Status = models.ClassifyStatus(aws.StringValue(instance.State.Name))
	}
	if instance.PublicIpAddress != nil {
		if addr, err := netip.ParseAddr(*instance.PublicIpAddress); err == nil {
			result.MainIP = addr
		}
	}
	for _, tag := range instance.Tags {
		result.Tags = append(result.Tags, aws.StringValue(tag.Key)+"="+aws.StringValue(tag.Value))
	}

	return result
}
