package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Structs

// Env holds information specific to the system where the hub is deployed.
// This keeps secrets out of the config file; use the .env file to populate
// them.
type Env struct {
	StorePostgresPassword string
}

// Functions

// LoadEnv looks for an .env file in the working directory of the hub and
// reads in all defined values.
func LoadEnv() (*Env, error) {

	err := godotenv.Load(".env")
	if err != nil {
		return nil, fmt.Errorf("failed to read in .env file with: %v", err)
	}

	env := new(Env)

	env.StorePostgresPassword = os.Getenv("STORE_POSTGRES_PASSWORD")

	return env, nil
}

// ApplyEnv merges the secrets from env into the config.
func ApplyEnv(conf *Config, env *Env) {

	if conf.Hub.StorePostgres != nil && env.StorePostgresPassword != "" {
		conf.Hub.StorePostgres.Password = env.StorePostgresPassword
	}
}
