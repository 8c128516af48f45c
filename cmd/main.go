package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"testbed/internal/logging"
	"testbed/internal/monitor"
	"testbed/internal/utils"
	"testbed/pkg/aws"
	"testbed/pkg/cloud"
	"testbed/pkg/cloud/memory"
	"testbed/pkg/config"
	"testbed/pkg/hetzner"
	"testbed/pkg/models"
	"testbed/pkg/storage"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	providerName  string
	region        string
	instanceIDs   []string
	publicKeyPath string
	timeout       string
	interval      string
	wait          bool
	verbose       bool
	logLevel      string
)

func main() {
	var rootCmd = &cobra.Command{
		Use:           "testbed",
		Short:         "Cloud instance control for test fleets",
		Long:          "A tool for creating, starting, stopping and deleting the instances of a test fleet on AWS EC2 or Hetzner Cloud",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&providerName, "provider", "P", config.ProviderAWS, "Cloud provider (aws, hetzner, memory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	// List command
	var listCmd = &cobra.Command{
		Use:   "list",
		Short: "List the instances of the testbed",
		RunE:  runList,
	}

	// Create command
	var createCmd = &cobra.Command{
		Use:   "create",
		Short: "Create a new instance",
		Long:  "Create a new instance in the given region and wait until it runs",
		RunE:  runCreate,
	}

	createCmd.Flags().StringVarP(&region, "region", "r", "", "Region to create the instance in (required)")
	createCmd.Flags().StringVarP(&publicKeyPath, "public-key", "k", "", "Path to an SSH public key to authorize on the instance")
	createCmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait until the instance shows up in the listing")
	createCmd.Flags().StringVarP(&timeout, "timeout", "t", "10m", "How long to wait (e.g., 90, 5m, 10 minutes)")
	if err := createCmd.MarkFlagRequired("region"); err != nil {
		log.Fatal(err)
	}

	// Start, stop and delete commands
	var startCmd = &cobra.Command{
		Use:   "start",
		Short: "Start instances",
		RunE:  runStart,
	}
	var stopCmd = &cobra.Command{
		Use:   "stop",
		Short: "Stop instances",
		Long:  "Stop instances. Stopped instances may still be billed by the provider.",
		RunE:  runStop,
	}
	var deleteCmd = &cobra.Command{
		Use:   "delete",
		Short: "Delete instances (permanently)",
		Long:  "Delete instances. This action cannot be undone.",
		RunE:  runDelete,
	}

	for _, cmd := range []*cobra.Command{startCmd, stopCmd, deleteCmd} {
		cmd.Flags().StringSliceVarP(&instanceIDs, "instance-id", "i", nil, "Instance ID, repeatable (required)")
		cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait until the listing reflects the change")
		cmd.Flags().StringVarP(&timeout, "timeout", "t", "10m", "How long to wait (e.g., 90, 5m, 10 minutes)")
		if err := cmd.MarkFlagRequired("instance-id"); err != nil {
			log.Fatal(err)
		}
	}

	// Register key command
	var registerKeyCmd = &cobra.Command{
		Use:   "register-key",
		Short: "Register an SSH public key with the provider",
		RunE:  runRegisterKey,
	}

	registerKeyCmd.Flags().StringVarP(&publicKeyPath, "public-key", "k", "", "Path to SSH public key file (required)")
	if err := registerKeyCmd.MarkFlagRequired("public-key"); err != nil {
		log.Fatal(err)
	}

	// Setup commands command
	var setupCmd = &cobra.Command{
		Use:   "setup-commands",
		Short: "Print the commands to run once on every new instance",
		RunE:  runSetupCommands,
	}

	// Watch command
	var watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Watch the fleet",
		Long:  "Periodically list the fleet, log status changes and store snapshots until interrupted",
		RunE:  runWatch,
	}

	watchCmd.Flags().StringVar(&interval, "interval", "30s", "Time between two listings")

	// Show command
	var showCmd = &cobra.Command{
		Use:   "show",
		Short: "Show stored instance data",
		Long:  "Show the last stored snapshot of the fleet, including SSH details",
		RunE:  runShow,
	}

	showCmd.Flags().StringSliceVarP(&instanceIDs, "instance-id", "i", nil, "Instance ID to show (optional, shows all if not provided)")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(registerKeyCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(showCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// session bundles what every command needs
type session struct {
	cfg      *config.Config
	logger   *logrus.Logger
	provider cloud.CloudProvider
	storage  *storage.FileStorage
	monitor  *monitor.Monitor
}

// newSession loads the configuration and connects to the selected provider
func newSession(ctx context.Context) (*session, error) {
	level := logLevel
	if verbose {
		level = "debug"
	}
	logger, err := logging.New(level)
	if err != nil {
		return nil, err
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(providerName); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	provider, err := newProvider(cfg, logger)
	if err != nil {
		return nil, err
	}

	if validator, ok := provider.(cloud.CredentialValidator); ok {
		if err := validator.ValidateCredentials(ctx); err != nil {
			return nil, fmt.Errorf("failed to validate %s credentials: %w", provider.Name(), err)
		}
	}

	fs := storage.NewFileStorage(cfg.StoragePath)
	return &session{
		cfg:      cfg,
		logger:   logger,
		provider: provider,
		storage:  fs,
		monitor: monitor.New(provider, monitor.Options{
			Storage: fs,
			Logger:  logger,
		}),
	}, nil
}

// newProvider creates the adapter selected by --provider
func newProvider(cfg *config.Config, logger *logrus.Logger) (cloud.CloudProvider, error) {
	specs := cfg.SpecsFor(providerName)

	switch providerName {
	case config.ProviderAWS:
		provider, err := aws.NewProvider(cfg.AWS.Regions, cfg.AWS.AccessKey, cfg.AWS.SecretKey, aws.Options{
			Testbed:      cfg.Testbed,
			InstanceType: specs,
			NVMe:         cfg.AWS.NVMe,
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create AWS provider: %w", err)
		}
		return provider, nil
	case config.ProviderHetzner:
		provider, err := hetzner.NewProvider(cfg.Hetzner.Token, hetzner.Options{
			Testbed:    cfg.Testbed,
			ServerType: specs,
			Image:      cfg.Hetzner.Image,
			Logger:     logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Hetzner provider: %w", err)
		}
		return provider, nil
	case config.ProviderMemory:
		// State lives in this process only; useful for dry runs
		return memory.NewClient(specs), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", providerName)
	}
}

// refreshSnapshot stores the current fleet. Failures only cost the local
// snapshot, so they are logged.
func (s *session) refreshSnapshot(ctx context.Context) {
	if _, err := s.monitor.RunOnce(ctx); err != nil {
		s.logger.WithError(err).Warn("Failed to refresh the stored snapshot")
	}
}

// listInstances lists the fleet and stores it as the snapshot
func (s *session) listInstances(ctx context.Context) ([]models.Instance, error) {
	instances, err := s.provider.ListInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	if err := s.storage.SaveSnapshot(s.provider.Name(), s.provider.Username(), instances); err != nil {
		s.logger.WithError(err).Warn("Failed to refresh the stored snapshot")
	}
	return instances, nil
}

// resolveInstances looks the ids up in the listing. Ids the listing does
// not show yet are passed on without a region; adapters look them up in
// every region they serve and ignore ids no region knows.
func (s *session) resolveInstances(ctx context.Context, ids []string) ([]models.Instance, error) {
	listed, err := s.provider.ListInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	byID := make(map[string]models.Instance, len(listed))
	for _, instance := range listed {
		byID[instance.ID] = instance
	}

	instances := make([]models.Instance, 0, len(ids))
	for _, id := range ids {
		instance, ok := byID[id]
		if !ok {
			s.logger.WithField("instance_id", id).Warn("Instance not listed, passing it on as is")
			instance = models.Instance{ID: id}
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// waitContext bounds ctx by the --timeout flag
func waitContext(ctx context.Context) (context.Context, context.CancelFunc, error) {
	parsed, err := utils.ParseDuration(timeout)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid timeout: %w", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, parsed)
	return waitCtx, cancel, nil
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := newSession(ctx)
	if err != nil {
		return err
	}

	instances, err := s.listInstances(ctx)
	if err != nil {
		return err
	}

	if len(instances) == 0 {
		fmt.Println("No instances found.")
		return nil
	}

	fmt.Printf("Instances on %s:\n\n", s.provider.Name())
	for _, instance := range instances {
		printInstance(instance, s.provider.Username())
		fmt.Println()
	}
	return nil
}

func runCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if err := utils.ValidateRegion(region); err != nil {
		return fmt.Errorf("invalid region: %w", err)
	}

	s, err := newSession(ctx)
	if err != nil {
		return err
	}

	if publicKeyPath != "" {
		if err := registerKey(ctx, s.provider, publicKeyPath); err != nil {
			return err
		}
	}

	fmt.Printf("Creating instance on %s in %s...\n", s.provider.Name(), region)

	instance, err := s.provider.CreateInstance(ctx, region)
	if err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}

	if wait {
		waitCtx, cancel, err := waitContext(ctx)
		if err != nil {
			return err
		}
		defer cancel()

		if _, err := s.monitor.WaitForStatus(waitCtx, []string{instance.ID}, models.Active); err != nil {
			return fmt.Errorf("instance %s created but never listed: %w", instance.ID, err)
		}
	}
	s.refreshSnapshot(ctx)

	fmt.Printf("\nInstance created successfully!\n")
	printInstance(instance, s.provider.Username())

	commands, err := s.provider.InstanceSetupCommands(ctx)
	if err != nil {
		return fmt.Errorf("failed to get setup commands: %w", err)
	}
	if len(commands) > 0 {
		fmt.Printf("\nRun once on the instance:\n")
		for _, command := range commands {
			fmt.Printf("  %s\n", command)
		}
	}
	return nil
}

func runStart(cmd *cobra.Command, args []string) error {
	return runBulk(cmd, "Starting", func(ctx context.Context, s *session, instances []models.Instance) error {
		if err := s.provider.StartInstances(ctx, instances); err != nil {
			return fmt.Errorf("failed to start instances: %w", err)
		}
		if !wait {
			return nil
		}
		_, err := s.monitor.WaitForStatus(ctx, models.InstanceIDs(instances), models.Active)
		return err
	})
}

func runStop(cmd *cobra.Command, args []string) error {
	return runBulk(cmd, "Stopping", func(ctx context.Context, s *session, instances []models.Instance) error {
		if err := s.provider.StopInstances(ctx, instances); err != nil {
			return fmt.Errorf("failed to stop instances: %w", err)
		}
		if !wait {
			return nil
		}
		_, err := s.monitor.WaitForStatus(ctx, models.InstanceIDs(instances), models.Inactive)
		return err
	})
}

func runDelete(cmd *cobra.Command, args []string) error {
	return runBulk(cmd, "Deleting", func(ctx context.Context, s *session, instances []models.Instance) error {
		for _, instance := range instances {
			if err := s.provider.DeleteInstance(ctx, instance); err != nil {
				return fmt.Errorf("failed to delete instance %s: %w", instance.ID, err)
			}
			if err := s.storage.DeleteInstance(s.provider.Name(), instance.ID); err != nil {
				s.logger.WithError(err).WithField("instance_id", instance.ID).Warn("Failed to remove instance from storage")
			}
		}
		if !wait {
			return nil
		}
		return s.monitor.WaitForDeletion(ctx, models.InstanceIDs(instances))
	})
}

// runBulk resolves --instance-id, applies action and refreshes the snapshot
func runBulk(cmd *cobra.Command, verb string, action func(context.Context, *session, []models.Instance) error) error {
	ctx := cmd.Context()
	s, err := newSession(ctx)
	if err != nil {
		return err
	}

	instances, err := s.resolveInstances(ctx, instanceIDs)
	if err != nil {
		return err
	}

	actionCtx, cancel, err := waitContext(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	fmt.Printf("%s %s...\n", verb, strings.Join(instanceIDs, ", "))
	if err := action(actionCtx, s, instances); err != nil {
		return err
	}
	s.refreshSnapshot(ctx)

	fmt.Println("Done.")
	return nil
}

func runRegisterKey(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := newSession(ctx)
	if err != nil {
		return err
	}

	if err := registerKey(ctx, s.provider, publicKeyPath); err != nil {
		return err
	}
	fmt.Printf("Public key %s registered with %s.\n", publicKeyPath, s.provider.Name())
	return nil
}

func registerKey(ctx context.Context, provider cloud.CloudProvider, path string) error {
	if err := config.ValidatePublicKeyPath(path); err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}

	publicKey, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read public key: %w", err)
	}

	if err := provider.RegisterSSHPublicKey(ctx, string(publicKey)); err != nil {
		return fmt.Errorf("failed to register public key: %w", err)
	}
	return nil
}

func runSetupCommands(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := newSession(ctx)
	if err != nil {
		return err
	}

	commands, err := s.provider.InstanceSetupCommands(ctx)
	if err != nil {
		return fmt.Errorf("failed to get setup commands: %w", err)
	}
	for _, command := range commands {
		fmt.Println(command)
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	parsed, err := utils.ParseDuration(interval)
	if err != nil {
		return fmt.Errorf("invalid interval: %w", err)
	}

	s, err := newSession(ctx)
	if err != nil {
		return err
	}

	m := monitor.New(s.provider, monitor.Options{
		Interval: parsed,
		Storage:  s.storage,
		Logger:   s.logger,
	})
	if err := m.Start(ctx); err != nil {
		return err
	}

	fmt.Printf("Watching %s every %s (snapshot: %s)\n", s.provider.Name(), utils.FormatDuration(parsed), s.cfg.StoragePath)
	fmt.Println("Press Ctrl+C to stop.")

	<-ctx.Done()
	m.Stop()

	fmt.Println("Watch stopped.")
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	fs := storage.NewFileStorage(cfg.StoragePath)

	var records []*models.InstanceRecord
	if len(instanceIDs) == 0 {
		records, err = fs.ListInstances("")
		if err != nil {
			return fmt.Errorf("failed to load instances: %w", err)
		}
	} else {
		for _, id := range instanceIDs {
			record, err := fs.GetInstance(providerName, id)
			if err != nil {
				return fmt.Errorf("instance %s not found: %w", id, err)
			}
			records = append(records, record)
		}
	}

	if len(records) == 0 {
		fmt.Println("No instances found in storage.")
		fmt.Println("Store a snapshot first using: testbed list, testbed create or testbed watch")
		return nil
	}

	fmt.Printf("=== Stored Instances (%d total) ===\n\n", len(records))
	for _, record := range records {
		fmt.Printf("Provider: %s\n", record.Provider)
		printInstance(record.Instance, record.Username)
		fmt.Printf("  First Seen: %s\n", record.FirstSeen.Format("2006-01-02 15:04:05"))
		fmt.Printf("  Updated: %s (%s ago)\n", record.UpdatedAt.Format("2006-01-02 15:04:05"),
			utils.FormatDuration(time.Since(record.UpdatedAt)))
		fmt.Println()
	}
	return nil
}

func printInstance(instance models.Instance, username string) {
	fmt.Printf("Instance ID: %s\n", instance.ID)
	fmt.Printf("  Region: %s\n", instance.Region)
	fmt.Printf("  Specs: %s\n", instance.Specs)
	fmt.Printf("  Status: %s\n", instance.Status)

	if len(instance.Tags) > 0 {
		fmt.Printf("  Tags: %s\n", strings.Join(instance.Tags, ", "))
	}
	if instance.MainIP.IsValid() {
		fmt.Printf("  Public IP: %s\n", instance.MainIP)
		fmt.Printf("  Connect: %s\n", instance.GetConnectionString(username))
		fmt.Printf("  SSH Command: %s\n", instance.GetSSHCommand(username))
	} else {
		fmt.Printf("  Public IP: Not assigned yet\n")
	}
}
