package udx

import (
	"io"
	"os"
	"strconv"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v2"
)

// Duration unmarshals from YAML strings in time.ParseDuration syntax, such
// as "750ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string

	if err := unmarshal(&s); err != nil {
		return errors.Trace(err)
	}

	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Annotatef(err, "parse duration: %s", s)
	}

	*d = Duration(v)

	return nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config carries the settings of the udx command line tool. Library users
// configure the stack through Params directly; Config exists so that the
// same settings can come from YAML files and environment variables.
type Config struct {
	BindHost string `yaml:"bind_host"`
	BindPort int    `yaml:"bind_port"`

	ConnectTimeout Duration `yaml:"connect_timeout"`
	RetryInterval  Duration `yaml:"retry_interval"`
	TickInterval   Duration `yaml:"tick_interval"`

	MTU int `yaml:"mtu"`

	Prometheus PrometheusConfig `yaml:"prometheus"`
}

type PrometheusConfig struct {
	BindAddr string `yaml:"bind_addr"`
}

func InitConfig(c *Config) {
	c.BindHost = "0.0.0.0"
	c.ConnectTimeout = Duration(DefaultConnectTimeout)
	c.MTU = DefaultMTU
}

// ReadConfig initializes c with defaults, then applies the config files in
// order, then the UDX_ environment variables. Later sources win.
func ReadConfig(filenames []string) (c Config, err error) {
	InitConfig(&c)
	err = ReadConfigFiles(filenames, &c)
	ReadConfigFromEnv("UDX_", &c)

	return c, errors.Trace(err)
}

func ReadConfigFiles(filenames []string, c *Config) (err error) {
	for _, filename := range filenames {
		err = ReadConfigFile(filename, c)
		if err != nil {
			return errors.Trace(err)
		}
	}

	return nil
}

func ReadConfigFile(filename string, c *Config) (err error) {
	f, err := os.Open(filename)
	if err != nil {
		return errors.Annotatef(err, "read config file: %s", filename)
	}

	defer f.Close()

	err = ReadConfigYAML(f, c)

	return errors.Annotatef(err, "read yaml config: %s", filename)
}

func ReadConfigYAML(reader io.Reader, c *Config) error {
	decoder := yaml.NewDecoder(reader)
	if err := decoder.Decode(c); err != nil {
		return errors.Annotate(err, "decode yaml")
	}

	return nil
}

func ReadConfigFromEnv(prefix string, c *Config) {
	setEnvString(&c.BindHost, prefix+"BIND_HOST")
	setEnvInt(&c.BindPort, prefix+"BIND_PORT")

	setEnvDuration(&c.ConnectTimeout, prefix+"CONNECT_TIMEOUT")
	setEnvDuration(&c.RetryInterval, prefix+"RETRY_INTERVAL")
	setEnvDuration(&c.TickInterval, prefix+"TICK_INTERVAL")

	setEnvInt(&c.MTU, prefix+"MTU")

	setEnvString(&c.Prometheus.BindAddr, prefix+"PROMETHEUS_BIND_ADDR")
}

func setEnvString(dest *string, name string) {
	value := os.Getenv(name)
	if value != "" {
		*dest = value
	}
}

func setEnvInt(dest *int, name string) {
	value, err := strconv.Atoi(os.Getenv(name))
	if err == nil {
		*dest = value
	}
}

func setEnvDuration(dest *Duration, name string) {
	value, err := time.ParseDuration(os.Getenv(name))
	if err == nil {
		*dest = Duration(value)
	}
}
