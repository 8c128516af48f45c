package aws_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"

	"testbed/internal/logging"
	"testbed/pkg/aws"
	"testbed/pkg/cloud"
	"testbed/pkg/models"

	sdkaws "github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"golang.org/x/crypto/ssh"
)

// fakeEC2 implements the EC2 calls the provider makes. Calls it does not
// override panic through the nil embedded interface.
type fakeEC2 struct {
	ec2iface.EC2API

	mutex     sync.Mutex
	instances map[string]*ec2.Instance
	keyPairs  map[string]bool
	nextID    int
	publicIP  string

	startCalls     [][]string
	stopCalls      [][]string
	terminateCalls []string
	runInputs      []*ec2.RunInstancesInput

	listErr error
	waitErr error
}

func newFakeEC2() *fakeEC2 {
	return &fakeEC2{
		instances: make(map[string]*ec2.Instance),
		keyPairs:  make(map[string]bool),
		publicIP:  "54.1.2.3",
	}
}

func (f *fakeEC2) addInstance(id, state string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.instances[id] = &ec2.Instance{
		InstanceId:      sdkaws.String(id),
		InstanceType:    sdkaws.String("t2.nano"),
		PublicIpAddress: sdkaws.String("54.0.0.1"),
		State:           &ec2.InstanceState{Name: sdkaws.String(state)},
		Tags: []*ec2.Tag{
			{Key: sdkaws.String("Name"), Value: sdkaws.String("bench")},
		},
	}
}

func (f *fakeEC2) state(id string) string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return sdkaws.StringValue(f.instances[id].State.Name)
}

func notFound(ids []*string) error {
	return awserr.New("InvalidInstanceID.NotFound", "The instance IDs '"+strings.Join(sdkaws.StringValueSlice(ids), ",")+"' do not exist", nil)
}

func (f *fakeEC2) setState(ids []*string, state string) error {
	for _, id := range ids {
		if _, ok := f.instances[*id]; !ok {
			return notFound(ids)
		}
	}
	for _, id := range ids {
		f.instances[*id].State = &ec2.InstanceState{Name: sdkaws.String(state)}
	}
	return nil
}

func (f *fakeEC2) DescribeRegionsWithContext(ctx sdkaws.Context, input *ec2.DescribeRegionsInput, opts ...request.Option) (*ec2.DescribeRegionsOutput, error) {
	return &ec2.DescribeRegionsOutput{}, nil
}

func (f *fakeEC2) DescribeInstancesPagesWithContext(ctx sdkaws.Context, input *ec2.DescribeInstancesInput, fn func(*ec2.DescribeInstancesOutput, bool) bool, opts ...request.Option) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.listErr != nil {
		return f.listErr
	}

	var instances []*ec2.Instance
	for _, instance := range f.instances {
		instances = append(instances, instance)
	}
	fn(&ec2.DescribeInstancesOutput{Reservations: []*ec2.Reservation{{Instances: instances}}}, true)
	return nil
}

func (f *fakeEC2) DescribeInstancesWithContext(ctx sdkaws.Context, input *ec2.DescribeInstancesInput, opts ...request.Option) (*ec2.DescribeInstancesOutput, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	var instances []*ec2.Instance
	for _, id := range input.InstanceIds {
		if instance, ok := f.instances[*id]; ok {
			instances = append(instances, instance)
		}
	}
	return &ec2.DescribeInstancesOutput{Reservations: []*ec2.Reservation{{Instances: instances}}}, nil
}

func (f *fakeEC2) StartInstancesWithContext(ctx sdkaws.Context, input *ec2.StartInstancesInput, opts ...request.Option) (*ec2.StartInstancesOutput, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.startCalls = append(f.startCalls, sdkaws.StringValueSlice(input.InstanceIds))
	return &ec2.StartInstancesOutput{}, f.setState(input.InstanceIds, ec2.InstanceStateNameRunning)
}

func (f *fakeEC2) StopInstancesWithContext(ctx sdkaws.Context, input *ec2.StopInstancesInput, opts ...request.Option) (*ec2.StopInstancesOutput, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.stopCalls = append(f.stopCalls, sdkaws.StringValueSlice(input.InstanceIds))
	return &ec2.StopInstancesOutput{}, f.setState(input.InstanceIds, ec2.InstanceStateNameStopped)
}

func (f *fakeEC2) TerminateInstancesWithContext(ctx sdkaws.Context, input *ec2.TerminateInstancesInput, opts ...request.Option) (*ec2.TerminateInstancesOutput, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.terminateCalls = append(f.terminateCalls, sdkaws.StringValueSlice(input.InstanceIds)...)
	for _, id := range input.InstanceIds {
		if _, ok := f.instances[*id]; !ok {
			return nil, notFound(input.InstanceIds)
		}
		delete(f.instances, *id)
	}
	return &ec2.TerminateInstancesOutput{}, nil
}

func (f *fakeEC2) DescribeImagesWithContext(ctx sdkaws.Context, input *ec2.DescribeImagesInput, opts ...request.Option) (*ec2.DescribeImagesOutput, error) {
	return &ec2.DescribeImagesOutput{Images: []*ec2.Image{
		{ImageId: sdkaws.String("ami-old"), CreationDate: sdkaws.String("2023-01-01T00:00:00.000Z")},
		{ImageId: sdkaws.String("ami-new"), CreationDate: sdkaws.String("2024-06-01T00:00:00.000Z")},
	}}, nil
}

func (f *fakeEC2) DescribeSubnetsWithContext(ctx sdkaws.Context, input *ec2.DescribeSubnetsInput, opts ...request.Option) (*ec2.DescribeSubnetsOutput, error) {
	return &ec2.DescribeSubnetsOutput{Subnets: []*ec2.Subnet{{SubnetId: sdkaws.String("subnet-1")}}}, nil
}

func (f *fakeEC2) DescribeSecurityGroupsWithContext(ctx sdkaws.Context, input *ec2.DescribeSecurityGroupsInput, opts ...request.Option) (*ec2.DescribeSecurityGroupsOutput, error) {
	return &ec2.DescribeSecurityGroupsOutput{SecurityGroups: []*ec2.SecurityGroup{{GroupId: sdkaws.String("sg-1")}}}, nil
}

func (f *fakeEC2) RunInstancesWithContext(ctx sdkaws.Context, input *ec2.RunInstancesInput, opts ...request.Option) (*ec2.Reservation, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.runInputs = append(f.runInputs, input)

	f.nextID++
	id := "i-new" + strconv.Itoa(f.nextID)
	instance := &ec2.Instance{
		InstanceId:      sdkaws.String(id),
		InstanceType:    input.InstanceType,
		PublicIpAddress: sdkaws.String(f.publicIP),
		State:           &ec2.InstanceState{Name: sdkaws.String(ec2.InstanceStateNameRunning)},
		Tags:            input.TagSpecifications[0].Tags,
	}
	f.instances[id] = instance
	return &ec2.Reservation{Instances: []*ec2.Instance{{InstanceId: sdkaws.String(id)}}}, nil
}

func (f *fakeEC2) WaitUntilInstanceRunningWithContext(ctx sdkaws.Context, input *ec2.DescribeInstancesInput, opts ...request.WaiterOption) error {
	return f.waitErr
}

func (f *fakeEC2) ImportKeyPairWithContext(ctx sdkaws.Context, input *ec2.ImportKeyPairInput, opts ...request.Option) (*ec2.ImportKeyPairOutput, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	name := sdkaws.StringValue(input.KeyName)
	if f.keyPairs[name] {
		return nil, awserr.New("InvalidKeyPair.Duplicate", "The keypair already exists", nil)
	}
	f.keyPairs[name] = true
	return &ec2.ImportKeyPairOutput{KeyName: input.KeyName}, nil
}

func newTestProvider(t *testing.T, opts aws.Options, clients map[string]ec2iface.EC2API) *aws.Provider {
	t.Helper()
	if opts.Testbed == "" {
		opts.Testbed = "bench"
	}
	if opts.InstanceType == "" {
		opts.InstanceType = "t2.nano"
	}
	opts.Logger = logging.Discard()

	provider, err := aws.NewProviderWithClients(clients, opts)
	if err != nil {
		t.Fatalf("NewProviderWithClients failed: %v", err)
	}
	return provider
}

func TestNewProviderWithClients_Validation(t *testing.T) {
	clients := map[string]ec2iface.EC2API{"us-east-1": newFakeEC2()}

	tests := []struct {
		name    string
		clients map[string]ec2iface.EC2API
		opts    aws.Options
	}{
		{name: "no regions", clients: nil, opts: aws.Options{Testbed: "bench", InstanceType: "t2.nano"}},
		{name: "no testbed", clients: clients, opts: aws.Options{InstanceType: "t2.nano"}},
		{name: "no instance type", clients: clients, opts: aws.Options{Testbed: "bench"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := aws.NewProviderWithClients(tt.clients, tt.opts); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}

func TestProvider_ListInstances(t *testing.T) {
	east := newFakeEC2()
	east.addInstance("i-1", "running")
	east.addInstance("i-2", "stopped")
	west := newFakeEC2()
	west.addInstance("i-3", "terminated")

	provider := newTestProvider(t, aws.Options{}, map[string]ec2iface.EC2API{
		"us-east-1": east,
		"us-west-2": west,
	})

	instances, err := provider.ListInstances(context.Background())
	if err != nil {
		t.Fatalf("ListInstances failed: %v", err)
	}
	if len(instances) != 3 {
		t.Fatalf("Expected 3 instances, got %d", len(instances))
	}

	byID := make(map[string]models.Instance)
	for _, instance := range instances {
		byID[instance.ID] = instance
	}

	tests := []struct {
		id     string
		region string
		status models.InstanceStatus
	}{
		{id: "i-1", region: "us-east-1", status: models.Active},
		{id: "i-2", region: "us-east-1", status: models.Inactive},
		{id: "i-3", region: "us-west-2", status: models.Terminated},
	}
	for _, tt := range tests {
		instance, ok := byID[tt.id]
		if !ok {
			t.Errorf("instance %s missing", tt.id)
			continue
		}
		if instance.Region != tt.region {
			t.Errorf("%s region = %s, want %s", tt.id, instance.Region, tt.region)
		}
		if instance.Status != tt.status {
			t.Errorf("%s status = %v, want %v", tt.id, instance.Status, tt.status)
		}
		if instance.MainIP.String() != "54.0.0.1" {
			t.Errorf("%s main ip = %s, want 54.0.0.1", tt.id, instance.MainIP)
		}
		if len(instance.Tags) != 1 || instance.Tags[0] != "Name=bench" {
			t.Errorf("%s tags = %v, want [Name=bench]", tt.id, instance.Tags)
		}
	}
}

func TestProvider_ListInstancesErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind cloud.ErrorKind
	}{
		{name: "auth failure", err: awserr.New("AuthFailure", "denied", nil), kind: cloud.KindUnauthorized},
		{name: "unauthorized operation", err: awserr.New("UnauthorizedOperation", "denied", nil), kind: cloud.KindUnauthorized},
		{name: "request error", err: awserr.New(request.ErrCodeRequestError, "send request failed", errors.New("dial tcp")), kind: cloud.KindTransport},
		{name: "plain error", err: errors.New("connection refused"), kind: cloud.KindTransport},
		{name: "throttling", err: awserr.New("RequestLimitExceeded", "slow down", nil), kind: cloud.KindProvider},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newFakeEC2()
			client.listErr = tt.err
			provider := newTestProvider(t, aws.Options{}, map[string]ec2iface.EC2API{"eu-west-1": client})

			_, err := provider.ListInstances(context.Background())
			kind, ok := cloud.KindOf(err)
			if !ok {
				t.Fatalf("expected *cloud.Error, got %v", err)
			}
			if kind != tt.kind {
				t.Errorf("kind = %v, want %v", kind, tt.kind)
			}
			if !strings.Contains(err.Error(), "eu-west-1") {
				t.Errorf("error %q does not name the region", err)
			}
		})
	}
}

func TestProvider_CreateInstance(t *testing.T) {
	client := newFakeEC2()
	provider := newTestProvider(t, aws.Options{InstanceType: "m5.large"}, map[string]ec2iface.EC2API{"us-east-1": client})

	instance, err := provider.CreateInstance(context.Background(), "us-east-1")
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}

	if !instance.IsActive() {
		t.Errorf("status = %v, want Active", instance.Status)
	}
	if instance.Region != "us-east-1" {
		t.Errorf("region = %s, want us-east-1", instance.Region)
	}
	if instance.Specs != "m5.large" {
		t.Errorf("specs = %s, want m5.large", instance.Specs)
	}
	if instance.MainIP.String() != "54.1.2.3" {
		t.Errorf("main ip = %s, want 54.1.2.3", instance.MainIP)
	}

	input := client.runInputs[0]
	if sdkaws.StringValue(input.ImageId) != "ami-new" {
		t.Errorf("image = %s, want the latest AMI", sdkaws.StringValue(input.ImageId))
	}
	if input.KeyName != nil {
		t.Errorf("key name = %s, want none before a key is registered", sdkaws.StringValue(input.KeyName))
	}
}

func TestProvider_CreateInstanceUnknownRegion(t *testing.T) {
	provider := newTestProvider(t, aws.Options{}, map[string]ec2iface.EC2API{"us-east-1": newFakeEC2()})

	_, err := provider.CreateInstance(context.Background(), "mars-north-1")
	if !errors.Is(err, cloud.ErrInvalidRegion) {
		t.Fatalf("expected ErrInvalidRegion, got %v", err)
	}
	if kind, _ := cloud.KindOf(err); kind != cloud.KindProvider {
		t.Errorf("kind = %v, want provider", kind)
	}
	if !strings.Contains(err.Error(), "mars-north-1") {
		t.Errorf("error %q does not name the region", err)
	}
}

func TestProvider_CreateInstanceWithoutPublicIP(t *testing.T) {
	client := newFakeEC2()
	client.publicIP = ""
	provider := newTestProvider(t, aws.Options{}, map[string]ec2iface.EC2API{"us-east-1": client})

	if _, err := provider.CreateInstance(context.Background(), "us-east-1"); err == nil {
		t.Error("Expected error for instance without public address, got nil")
	}
	if len(client.terminateCalls) != 1 || client.terminateCalls[0] != "i-new1" {
		t.Errorf("expected the unusable instance to be terminated, got %v", client.terminateCalls)
	}
}

func TestProvider_CreateInstanceTerminatesWhenWaitFails(t *testing.T) {
	client := newFakeEC2()
	client.waitErr = awserr.New(request.CanceledErrorCode, "waiter cancelled", context.Canceled)
	provider := newTestProvider(t, aws.Options{}, map[string]ec2iface.EC2API{"us-east-1": client})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := provider.CreateInstance(ctx, "us-east-1")
	if err == nil {
		t.Fatal("Expected error when the instance never runs, got nil")
	}
	if !strings.Contains(err.Error(), "i-new1") {
		t.Errorf("error %q does not name the instance", err)
	}
	if len(client.terminateCalls) != 1 || client.terminateCalls[0] != "i-new1" {
		t.Errorf("expected the launched instance to be terminated, got %v", client.terminateCalls)
	}

	instances, err := provider.ListInstances(context.Background())
	if err != nil {
		t.Fatalf("ListInstances failed: %v", err)
	}
	if len(instances) != 0 {
		t.Errorf("expected no instances left, got %v", models.InstanceIDs(instances))
	}
}

func TestProvider_StartStopInstances(t *testing.T) {
	east := newFakeEC2()
	east.addInstance("i-1", "stopped")
	west := newFakeEC2()
	west.addInstance("i-2", "stopped")
	provider := newTestProvider(t, aws.Options{}, map[string]ec2iface.EC2API{
		"us-east-1": east,
		"us-west-2": west,
	})
	ctx := context.Background()

	instances := []models.Instance{
		{ID: "i-1", Region: "us-east-1"},
		{ID: "i-2", Region: "us-west-2"},
	}
	if err := provider.StartInstances(ctx, instances); err != nil {
		t.Fatalf("StartInstances failed: %v", err)
	}
	if east.state("i-1") != "running" || west.state("i-2") != "running" {
		t.Errorf("instances not started: %s, %s", east.state("i-1"), west.state("i-2"))
	}
	if len(east.startCalls) != 1 || len(west.startCalls) != 1 {
		t.Errorf("expected one call per region, got %d and %d", len(east.startCalls), len(west.startCalls))
	}

	if err := provider.StopInstances(ctx, instances[:1]); err != nil {
		t.Fatalf("StopInstances failed: %v", err)
	}
	if east.state("i-1") != "stopped" || west.state("i-2") != "running" {
		t.Errorf("unexpected states after stop: %s, %s", east.state("i-1"), west.state("i-2"))
	}
}

func TestProvider_StopIgnoresUnknownInstances(t *testing.T) {
	client := newFakeEC2()
	client.addInstance("i-1", "running")
	provider := newTestProvider(t, aws.Options{}, map[string]ec2iface.EC2API{"us-east-1": client})

	err := provider.StopInstances(context.Background(), []models.Instance{
		{ID: "i-1", Region: "us-east-1"},
		{ID: "i-gone", Region: "us-east-1"},
	})
	if err != nil {
		t.Fatalf("StopInstances failed: %v", err)
	}
	if client.state("i-1") != "stopped" {
		t.Errorf("known instance not stopped: %s", client.state("i-1"))
	}
	// one rejected batch, then one call per instance
	if len(client.stopCalls) != 3 {
		t.Errorf("expected 3 stop calls, got %d", len(client.stopCalls))
	}
}

func TestProvider_StartUnknownRegion(t *testing.T) {
	provider := newTestProvider(t, aws.Options{}, map[string]ec2iface.EC2API{"us-east-1": newFakeEC2()})

	err := provider.StartInstances(context.Background(), []models.Instance{{ID: "i-1", Region: "ap-south-1"}})
	if !errors.Is(err, cloud.ErrInvalidRegion) {
		t.Errorf("expected ErrInvalidRegion, got %v", err)
	}
	for _, want := range []string{"i-1", "ap-south-1"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not name %s", err, want)
		}
	}
}

func TestProvider_InstancesWithoutRegion(t *testing.T) {
	east := newFakeEC2()
	west := newFakeEC2()
	west.addInstance("i-1", "running")
	provider := newTestProvider(t, aws.Options{}, map[string]ec2iface.EC2API{
		"us-east-1": east,
		"us-west-2": west,
	})
	ctx := context.Background()

	// not listed yet, so the caller knows only the ids
	unplaced := []models.Instance{{ID: "i-1"}, {ID: "i-unknown"}}

	if err := provider.StopInstances(ctx, unplaced); err != nil {
		t.Fatalf("StopInstances failed: %v", err)
	}
	if west.state("i-1") != "stopped" {
		t.Errorf("i-1 state = %s, want stopped", west.state("i-1"))
	}

	if err := provider.StartInstances(ctx, unplaced); err != nil {
		t.Fatalf("StartInstances failed: %v", err)
	}
	if west.state("i-1") != "running" {
		t.Errorf("i-1 state = %s, want running", west.state("i-1"))
	}

	for _, instance := range unplaced {
		if err := provider.DeleteInstance(ctx, instance); err != nil {
			t.Fatalf("DeleteInstance(%s) failed: %v", instance.ID, err)
		}
	}
	instances, err := provider.ListInstances(ctx)
	if err != nil {
		t.Fatalf("ListInstances failed: %v", err)
	}
	if len(instances) != 0 {
		t.Errorf("expected no instances after delete, got %v", models.InstanceIDs(instances))
	}
}

func TestProvider_InstancesWithoutRegionErrors(t *testing.T) {
	client := newFakeEC2()
	client.addInstance("i-1", "running")
	provider := newTestProvider(t, aws.Options{}, map[string]ec2iface.EC2API{"us-east-1": &deniedEC2{fakeEC2: client}})

	err := provider.StopInstances(context.Background(), []models.Instance{{ID: "i-1"}})
	if !cloud.IsUnauthorized(err) {
		t.Fatalf("expected unauthorized error, got %v", err)
	}
	for _, want := range []string{"i-1", "us-east-1"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not name %s", err, want)
		}
	}
}

// deniedEC2 rejects state changes as unauthorized
type deniedEC2 struct {
	*fakeEC2
}

func (d *deniedEC2) StopInstancesWithContext(ctx sdkaws.Context, input *ec2.StopInstancesInput, opts ...request.Option) (*ec2.StopInstancesOutput, error) {
	return nil, awserr.New("UnauthorizedOperation", "denied", nil)
}

func TestProvider_DeleteInstance(t *testing.T) {
	client := newFakeEC2()
	client.addInstance("i-1", "running")
	provider := newTestProvider(t, aws.Options{}, map[string]ec2iface.EC2API{"us-east-1": client})
	ctx := context.Background()

	instance := models.Instance{ID: "i-1", Region: "us-east-1"}
	if err := provider.DeleteInstance(ctx, instance); err != nil {
		t.Fatalf("DeleteInstance failed: %v", err)
	}
	if err := provider.DeleteInstance(ctx, instance); err != nil {
		t.Fatalf("second DeleteInstance failed: %v", err)
	}

	instances, err := provider.ListInstances(ctx)
	if err != nil {
		t.Fatalf("ListInstances failed: %v", err)
	}
	if len(instances) != 0 {
		t.Errorf("expected no instances, got %v", instances)
	}
}

func TestProvider_RegisterSSHPublicKey(t *testing.T) {
	east := newFakeEC2()
	west := newFakeEC2()
	provider := newTestProvider(t, aws.Options{}, map[string]ec2iface.EC2API{
		"us-east-1": east,
		"us-west-2": west,
	})
	ctx := context.Background()

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("Failed to convert key: %v", err)
	}
	publicKey := string(ssh.MarshalAuthorizedKey(sshPub))

	if err := provider.RegisterSSHPublicKey(ctx, publicKey); err != nil {
		t.Fatalf("RegisterSSHPublicKey failed: %v", err)
	}
	if err := provider.RegisterSSHPublicKey(ctx, publicKey); err != nil {
		t.Fatalf("second RegisterSSHPublicKey failed: %v", err)
	}
	if len(east.keyPairs) != 1 || len(west.keyPairs) != 1 {
		t.Errorf("expected the key in both regions, got %d and %d", len(east.keyPairs), len(west.keyPairs))
	}

	if _, err := provider.CreateInstance(ctx, "us-east-1"); err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	if east.runInputs[0].KeyName == nil {
		t.Error("instances created after registration should use the key")
	}

	if err := provider.RegisterSSHPublicKey(ctx, "not a key"); err == nil {
		t.Error("Expected error for invalid key, got nil")
	}
}

func TestProvider_InstanceSetupCommands(t *testing.T) {
	clients := map[string]ec2iface.EC2API{"us-east-1": newFakeEC2()}
	ctx := context.Background()

	plain := newTestProvider(t, aws.Options{}, clients)
	commands, err := plain.InstanceSetupCommands(ctx)
	if err != nil {
		t.Fatalf("InstanceSetupCommands failed: %v", err)
	}
	if len(commands) != 0 {
		t.Errorf("expected no commands without NVMe, got %v", commands)
	}

	nvme := newTestProvider(t, aws.Options{NVMe: true}, clients)
	commands, err = nvme.InstanceSetupCommands(ctx)
	if err != nil {
		t.Fatalf("InstanceSetupCommands failed: %v", err)
	}
	if len(commands) != 4 || !strings.Contains(commands[0], "mkfs") || !strings.Contains(commands[2], "mount") {
		t.Errorf("unexpected NVMe commands: %v", commands)
	}
}

func TestProvider_Identity(t *testing.T) {
	provider := newTestProvider(t, aws.Options{}, map[string]ec2iface.EC2API{"us-east-1": newFakeEC2()})

	if provider.Name() != "aws" {
		t.Errorf("Name() = %s, want aws", provider.Name())
	}
	if provider.Username() != aws.Username {
		t.Errorf("Username() = %s, want %s", provider.Username(), aws.Username)
	}
	if err := provider.ValidateCredentials(context.Background()); err != nil {
		t.Errorf("ValidateCredentials failed: %v", err)
	}
}
