package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ryansname/powerbudget/balancer"
)

// defaultImportance applies when an appliance entry omits importance.
const defaultImportance = 5

// MainSensorConfig references the whole-house consumption sensor.
type MainSensorConfig struct {
	Sensor string `yaml:"sensor"`
	Unit   string `yaml:"unit"`
}

// ApplianceConfig is one monitored sensor/appliance pair as configured.
type ApplianceConfig struct {
	Sensor              string  `yaml:"sensor"`
	Appliance           string  `yaml:"appliance"`
	Name                string  `yaml:"name"`
	Importance          int     `yaml:"importance"`
	LastResort          bool    `yaml:"last_resort"`
	AssumedPowerOnWatts float64 `yaml:"assumed_power_on_watts"`
	Unit                string  `yaml:"unit"`
}

// Config is the persisted configuration snapshot: main sensor, budget, and the
// ordered appliance list. The order of entries is the shedding tie-break.
type Config struct {
	MainSensor       MainSensorConfig  `yaml:"main_sensor"`
	PowerBudgetWatts float64           `yaml:"power_budget_watts"`
	LogCapacity      int               `yaml:"log_capacity"`
	Appliances       []ApplianceConfig `yaml:"appliances"`
}

// LoadConfig reads and validates the YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the startup invariants: a valid main sensor, a positive
// budget, well-formed entity IDs, recognized units, and unique sensor and
// appliance references. Failure blocks activation entirely.
func (c *Config) Validate() error {
	if err := validateEntityID(c.MainSensor.Sensor); err != nil {
		return fmt.Errorf("main_sensor: %w", err)
	}
	if _, err := powerUnitMultiplier(c.MainSensor.Unit); err != nil {
		return fmt.Errorf("main_sensor: %w", err)
	}
	if c.PowerBudgetWatts <= 0 {
		return fmt.Errorf("power_budget_watts must be positive, got %v", c.PowerBudgetWatts)
	}

	seenPair := map[string]bool{}
	for i, a := range c.Appliances {
		if err := validateEntityID(a.Sensor); err != nil {
			return fmt.Errorf("appliances[%d].sensor: %w", i, err)
		}
		if err := validateEntityID(a.Appliance); err != nil {
			return fmt.Errorf("appliances[%d].appliance: %w", i, err)
		}
		if a.Importance != 0 && (a.Importance < 1 || a.Importance > 10) {
			return fmt.Errorf("appliances[%d]: importance %d outside [1,10]", i, a.Importance)
		}
		if _, err := powerUnitMultiplier(a.Unit); err != nil {
			return fmt.Errorf("appliances[%d]: %w", i, err)
		}
		if a.AssumedPowerOnWatts < 0 {
			return fmt.Errorf("appliances[%d]: assumed_power_on_watts must not be negative", i)
		}
		pair := a.Sensor + "+" + a.Appliance
		if seenPair[pair] {
			return fmt.Errorf("appliances[%d]: duplicate sensor/appliance pair %s", i, pair)
		}
		seenPair[pair] = true
	}
	return nil
}

func validateEntityID(entityID string) error {
	if entityID == "" {
		return fmt.Errorf("entity ID is required")
	}
	domain, object, found := strings.Cut(entityID, ".")
	if !found || domain == "" || object == "" {
		return fmt.Errorf("entity ID %q must be domain.object", entityID)
	}
	return nil
}

// BalancerAppliances converts the configured entries into engine appliances,
// preserving configuration order and applying defaults.
func (c *Config) BalancerAppliances() []balancer.Appliance {
	out := make([]balancer.Appliance, 0, len(c.Appliances))
	for _, a := range c.Appliances {
		importance := a.Importance
		if importance == 0 {
			importance = defaultImportance
		}
		name := a.Name
		if name == "" {
			// Default to the sensor's own label.
			_, name, _ = strings.Cut(a.Sensor, ".")
		}
		out = append(out, balancer.Appliance{
			SensorID:            a.Sensor,
			SwitchID:            a.Appliance,
			Name:                name,
			Importance:          importance,
			LastResort:          a.LastResort,
			AssumedPowerOnWatts: a.AssumedPowerOnWatts,
		})
	}
	return out
}

// UnitMultipliers maps every configured sensor entity to its watts multiplier.
// Validate has already rejected unrecognized units.
func (c *Config) UnitMultipliers() map[string]float64 {
	out := map[string]float64{}
	m, _ := powerUnitMultiplier(c.MainSensor.Unit)
	out[c.MainSensor.Sensor] = m
	for _, a := range c.Appliances {
		m, _ := powerUnitMultiplier(a.Unit)
		out[a.Sensor] = m
	}
	return out
}

// Topics returns every MQTT state topic the balancer needs to watch: the main
// sensor, each monitored sensor, each appliance switch, and the gate switch.
func (c *Config) Topics() []string {
	topics := []string{
		stateTopic(c.MainSensor.Sensor),
		TopicBalancerEnabledState,
	}
	for _, a := range c.Appliances {
		topics = append(topics, stateTopic(a.Sensor), stateTopic(a.Appliance))
	}
	return topics
}
