package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"testbed/pkg/models"
)

// FileStorage keeps the last observed fleet of each provider in a JSON file
type FileStorage struct {
	filePath string
	mutex    sync.RWMutex
}

// NewFileStorage creates a new file storage instance
func NewFileStorage(filePath string) *FileStorage {
	if filePath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			filePath = filepath.Join(os.TempDir(), "testbed.json")
		} else {
			filePath = filepath.Join(homeDir, ".testbed", "instances.json")
		}
	}

	// Ensure directory exists
	dir := filepath.Dir(filePath)
	_ = os.MkdirAll(dir, 0755)

	return &FileStorage{
		filePath: filePath,
	}
}

// StorageRecord represents the structure stored in the file. Records are
// keyed by provider, then by instance id.
type StorageRecord struct {
	Providers map[string]map[string]*models.InstanceRecord `json:"providers"`
	UpdatedAt time.Time                                    `json:"updated_at"`
}

// SaveSnapshot replaces the stored fleet of provider with instances.
// Instances seen before keep their FirstSeen time.
func (fs *FileStorage) SaveSnapshot(provider, username string, instances []models.Instance) error {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	data, err := fs.loadData()
	if err != nil {
		return err
	}

	now := time.Now()
	previous := data.Providers[provider]
	records := make(map[string]*models.InstanceRecord, len(instances))
	for _, instance := range instances {
		record := &models.InstanceRecord{
			Instance:  instance.Clone(),
			Provider:  provider,
			Username:  username,
			FirstSeen: now,
			UpdatedAt: now,
		}
		if old, ok := previous[instance.ID]; ok {
			record.FirstSeen = old.FirstSeen
		}
		records[instance.ID] = record
	}

	data.Providers[provider] = records
	data.UpdatedAt = now

	return fs.saveData(data)
}

// GetInstance retrieves an instance record from storage
func (fs *FileStorage) GetInstance(provider, instanceID string) (*models.InstanceRecord, error) {
	fs.mutex.RLock()
	defer fs.mutex.RUnlock()

	data, err := fs.loadData()
	if err != nil {
		return nil, err
	}

	record, exists := data.Providers[provider][instanceID]
	if !exists {
		return nil, fmt.Errorf("instance %s not found for provider %s", instanceID, provider)
	}

	return record, nil
}

// ListInstances returns the stored records of provider, or of every
// provider when provider is empty, sorted by provider then id
func (fs *FileStorage) ListInstances(provider string) ([]*models.InstanceRecord, error) {
	fs.mutex.RLock()
	defer fs.mutex.RUnlock()

	data, err := fs.loadData()
	if err != nil {
		return nil, err
	}

	var records []*models.InstanceRecord
	for name, fleet := range data.Providers {
		if provider != "" && name != provider {
			continue
		}
		for _, record := range fleet {
			records = append(records, record)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].Provider != records[j].Provider {
			return records[i].Provider < records[j].Provider
		}
		return records[i].Instance.ID < records[j].Instance.ID
	})

	return records, nil
}

// DeleteInstance removes an instance record from storage
func (fs *FileStorage) DeleteInstance(provider, instanceID string) error {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	data, err := fs.loadData()
	if err != nil {
		return err
	}

	delete(data.Providers[provider], instanceID)
	data.UpdatedAt = time.Now()

	return fs.saveData(data)
}

// loadData loads data from the storage file
func (fs *FileStorage) loadData() (*StorageRecord, error) {
	if _, err := os.Stat(fs.filePath); os.IsNotExist(err) {
		return &StorageRecord{
			Providers: make(map[string]map[string]*models.InstanceRecord),
		}, nil
	}

	data, err := os.ReadFile(fs.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read storage file: %w", err)
	}

	var record StorageRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal storage data: %w", err)
	}

	if record.Providers == nil {
		record.Providers = make(map[string]map[string]*models.InstanceRecord)
	}

	return &record, nil
}

// saveData saves data to the storage file
func (fs *FileStorage) saveData(data *StorageRecord) error {
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal storage data: %w", err)
	}

	err = os.WriteFile(fs.filePath, jsonData, 0644)
	if err != nil {
		return fmt.Errorf("failed to write storage file: %w", err)
	}

	return nil
}
