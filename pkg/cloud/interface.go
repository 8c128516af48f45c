package cloud

import (
	"context"

	"testbed/pkg/models"
)

// CloudProvider defines the interface every provider adapter implements.
// All methods are safe for concurrent use. Failures are returned as *Error.
type CloudProvider interface {
	// Name identifies the adapter in logs and errors
	Name() string

	// Username is the login used to SSH into instances of this provider.
	// It is fixed per provider kind.
	Username() string

	// ListInstances returns every instance of the testbed regardless of its
	// status. The listing is eventually consistent: a freshly created
	// instance may be missing and a deleted one may still show up.
	ListInstances(ctx context.Context) ([]models.Instance, error)

	// StartInstances starts the given instances. Instances that are already
	// active or unknown to the provider are left alone.
	StartInstances(ctx context.Context, instances []models.Instance) error

	// StopInstances halts the given instances. Stopped instances may still
	// be billed by the provider.
	StopInstances(ctx context.Context, instances []models.Instance) error

	// CreateInstance provisions one instance in region and returns it
	// active with its public address set
	CreateInstance(ctx context.Context, region string) (models.Instance, error)

	// DeleteInstance permanently removes the instance so it is no longer
	// billed. Deleting an unknown instance succeeds.
	DeleteInstance(ctx context.Context, instance models.Instance) error

	// RegisterSSHPublicKey authorizes the key to access instances.
	// Registering the same key twice is not an error.
	RegisterSSHPublicKey(ctx context.Context, publicKey string) error

	// InstanceSetupCommands returns the commands to run, in order, once on
	// every newly created instance
	InstanceSetupCommands(ctx context.Context) ([]string, error)
}

// CredentialValidator is implemented by providers that can check their
// credentials without side effects
type CredentialValidator interface {
	ValidateCredentials(ctx context.Context) error
}
