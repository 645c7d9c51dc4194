package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// CLIConfigEnv overrides the location of the CLI config file.
const CLIConfigEnv = "GPULEDGER_CONFIG"

type CLIConfig struct {
	ControllerURL string `yaml:"controller_url"`
	Token         string `yaml:"token"`
}

func CLIConfigPath() (string, error) {
	if p := os.Getenv(CLIConfigEnv); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".gpuledger.yaml"), nil
}

// LoadCLIConfig returns an empty config when the file does not exist yet.
func LoadCLIConfig() (*CLIConfig, error) {
	configPath, err := CLIConfigPath()
	if err != nil {
		return nil, err
	}
	f, err := os.Open(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &CLIConfig{}, nil
		}
		return nil, err
	}
	defer f.Close()

	var cfg CLIConfig
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveCLIConfig writes the config readable only by the owner, since it holds
// the user's token.
func SaveCLIConfig(cfg *CLIConfig) error {
	configPath, err := CLIConfigPath()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(configPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	return yaml.NewEncoder(f).Encode(cfg)
}
