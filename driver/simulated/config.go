package simulated

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DeviceConfig describes one simulated device.
type DeviceConfig struct {
	// Name reported by DeviceName.
	Name string `yaml:"name"`

	// MemoryBytes is the total device memory available for allocations.
	MemoryBytes uint64 `yaml:"memory_bytes"`

	// MaxContexts is the number of contexts that can be alive at the same time on the device.
	// 0 means unlimited.
	MaxContexts int `yaml:"max_contexts"`

	// CanMapHostMemory tells whether page-locked host memory can be mapped in the device address space.
	CanMapHostMemory bool `yaml:"can_map_host_memory"`
}

// Config of the simulated driver, usually loaded from YAML:
//
//	devices:
//	  - name: "Simulated GPU 0"
//	    memory_bytes: 268435456
//	    max_contexts: 1
//	    can_map_host_memory: true
//	pinnable_bytes: 67108864
type Config struct {
	Devices []DeviceConfig `yaml:"devices"`

	// PinnableBytes is the quota of host memory that can be page-locked at the same time, across all contexts.
	// 0 means unlimited.
	PinnableBytes uint64 `yaml:"pinnable_bytes"`
}

// DefaultConfig has one device with 256MB, one context at a time, mapping enabled and 64MB of pinnable host memory.
func DefaultConfig() Config {
	return Config{
		Devices: []DeviceConfig{{
			Name:             "Simulated GPU 0",
			MemoryBytes:      256 << 20,
			MaxContexts:      1,
			CanMapHostMemory: true,
		}},
		PinnableBytes: 64 << 20,
	}
}

// ParseConfig parses a YAML configuration.
func ParseConfig(data []byte) (Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, errors.Wrap(err, "failed to parse simulated driver configuration")
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// LoadConfig reads and parses the YAML configuration file at path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to read simulated driver configuration from %q", path)
	}
	config, err := ParseConfig(data)
	if err != nil {
		return Config{}, errors.WithMessagef(err, "configuration file %q", path)
	}
	return config, nil
}

// Validate the configuration.
func (c Config) Validate() error {
	if len(c.Devices) == 0 {
		return errors.New("simulated driver configuration has no devices")
	}
	for ii, dev := range c.Devices {
		if dev.MaxContexts < 0 {
			return errors.Errorf("simulated device #%d (%q) has negative max_contexts=%d", ii, dev.Name, dev.MaxContexts)
		}
	}
	return nil
}
