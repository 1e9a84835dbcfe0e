package device

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"
)

// Constructor takes a config string (optionally empty) and returns a Provider.
type Constructor func(config string) (Provider, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a provider with the given name and a constructor that takes a
// provider-specific configuration string.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the provider configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// DEEPFLOW_DEVICE is the environment variable with the default provider
// configuration to use.
//
// The format of config is "<provider_name>:<provider_configuration>".
const DEEPFLOW_DEVICE = "DEEPFLOW_DEVICE"

// New returns a new default Provider.
//
// The default is:
//
// 1. The environment DEEPFLOW_DEVICE is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered provider is used with an empty configuration.
//
// It panics if no provider was registered.
func New() (Provider, error) {
	config, found := os.LookupEnv(DEEPFLOW_DEVICE)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig creates a Provider from a configuration string formatted as
// "<provider_name>:<provider_configuration>". The "<provider_name>" is the
// name of a registered provider (e.g.: "hostdev") and
// "<provider_configuration>" is provider specific.
func NewWithConfig(config string) (Provider, error) {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered device providers -- maybe import the host one with import _ "github.com/gomlx/deepflow/device/hostdev"?`)
	}
	name := firstRegistered
	providerConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		name = config[:idx]
		providerConfig = config[idx+1:]
	}
	constructor, found := registeredConstructors[name]
	if !found {
		exceptions.Panicf("can't find device provider %q for configuration %q given", name, config)
	}
	return constructor(providerConfig)
}
