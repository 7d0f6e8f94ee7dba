package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/AdguardTeam/dnscrypt-wrapper/internal/certmgr"
	"github.com/AdguardTeam/dnscrypt-wrapper/internal/dnscrypt"
	"github.com/AdguardTeam/dnscrypt-wrapper/internal/metrics"
	proxynetutil "github.com/AdguardTeam/dnscrypt-wrapper/internal/netutil"
	"github.com/AdguardTeam/dnscrypt-wrapper/internal/ratelimit"
	"github.com/AdguardTeam/dnscrypt-wrapper/proxy"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/osutil"
	"github.com/AdguardTeam/golibs/timeutil"
	"gopkg.in/yaml.v3"
)

// Default values of the configuration.
const (
	defaultKeysPath          = "dnscrypt-wrapper.yaml"
	defaultProviderName      = dnscrypt.ProviderNamePrefix + "dnscrypt-wrapper"
	defaultListenAddr        = "0.0.0.0:53"
	defaultEsVersion         = uint16(dnscrypt.XChacha20Poly1305)
	defaultCertificateTTL    = 24 * time.Hour
	defaultRotationInterval  = 12 * time.Hour
	defaultGracePeriod       = 1 * time.Hour
	defaultTimeout           = 5 * time.Second
	defaultMaxSessions       = 250
	defaultMaxTCPConnections = 250
	defaultSubnetLenIPv4     = 24
	defaultSubnetLenIPv6     = 56
	defaultSecretsCacheSize  = 1000
)

// configuration represents the YAML configuration file and the command-line
// options.  Command-line options override the ones from the file.
type configuration struct {
	// ConfigPath is the path to the YAML configuration file.  It's only set
	// from the command line.
	ConfigPath string `yaml:"-"`

	// LogOutput is the path to the log file.
	LogOutput string `yaml:"output"`

	// KeysPath is the path to the file with the provider keys and the current
	// certificate.
	KeysPath string `yaml:"keys-path"`

	// ProviderName is the DNSCrypt provider name.
	ProviderName string `yaml:"provider-name"`

	// ListenAddr is the address to listen on for client queries.
	ListenAddr string `yaml:"listen-address"`

	// ResolverAddr is the address of the plain DNS resolver.
	ResolverAddr string `yaml:"resolver-address"`

	// MetricsAddr is the address of the Prometheus metrics HTTP server.  If
	// empty, metrics are disabled.
	MetricsAddr string `yaml:"metrics-address"`

	// CertificateTTL is the validity period of issued certificates.
	CertificateTTL timeutil.Duration `yaml:"certificate-ttl"`

	// RotationInterval is the interval of the certificate rotation.
	RotationInterval timeutil.Duration `yaml:"rotation-interval"`

	// GracePeriod is the time a retired certificate is still accepted.
	GracePeriod timeutil.Duration `yaml:"grace-period"`

	// Timeout is the timeout of queries to the resolver.
	Timeout timeutil.Duration `yaml:"timeout"`

	// MaxSessions is the maximum number of in-flight queries.
	MaxSessions uint `yaml:"max-sessions"`

	// MaxTCPConnections is the maximum number of client TCP connections.
	MaxTCPConnections uint `yaml:"max-tcp-connections"`

	// Ratelimit is the maximum number of requests per second from a client
	// subnet.  Zero disables rate limiting.
	Ratelimit uint `yaml:"ratelimit"`

	// RatelimitSubnetLenIPv4 is a subnet length for IPv4 addresses used for
	// rate limiting requests.
	RatelimitSubnetLenIPv4 uint `yaml:"ratelimit-subnet-len-ipv4"`

	// RatelimitSubnetLenIPv6 is a subnet length for IPv6 addresses used for
	// rate limiting requests.
	RatelimitSubnetLenIPv6 uint `yaml:"ratelimit-subnet-len-ipv6"`

	// UDPBufferSize is the size of the UDP buffer in bytes.  A value <= 0 will
	// use the system default.
	UDPBufferSize int `yaml:"udp-buf-size"`

	// SecretsCacheSize is the maximum number of cached shared keys per
	// certificate.
	SecretsCacheSize int `yaml:"secrets-cache-size"`

	// EsVersion is the crypto construction of the issued certificates.
	EsVersion uint16 `yaml:"es-version"`

	// Daemonize makes the program detach from the terminal.
	Daemonize bool `yaml:"daemonize"`

	// TCPOnly makes the proxy forward all queries over TCP.
	TCPOnly bool `yaml:"tcp-only"`

	// ServFailOnTimeout makes the proxy respond with SERVFAIL on resolver
	// timeouts.
	ServFailOnTimeout bool `yaml:"servfail-on-timeout"`

	// Verbose controls the verbosity of the output.
	Verbose bool `yaml:"verbose"`

	// Version, if true, prints the program version, and exits.
	Version bool `yaml:"-"`

	// help, if true, prints the command-line option help message and quit
	// with a successful exit-code.
	help bool
}

// newDefaultConfiguration returns the configuration with the default values.
func newDefaultConfiguration() (conf *configuration) {
	return &configuration{
		KeysPath:               defaultKeysPath,
		ProviderName:           defaultProviderName,
		ListenAddr:             defaultListenAddr,
		CertificateTTL:         timeutil.Duration(defaultCertificateTTL),
		RotationInterval:       timeutil.Duration(defaultRotationInterval),
		GracePeriod:            timeutil.Duration(defaultGracePeriod),
		Timeout:                timeutil.Duration(defaultTimeout),
		MaxSessions:            defaultMaxSessions,
		MaxTCPConnections:      defaultMaxTCPConnections,
		RatelimitSubnetLenIPv4: defaultSubnetLenIPv4,
		RatelimitSubnetLenIPv6: defaultSubnetLenIPv6,
		SecretsCacheSize:       defaultSecretsCacheSize,
		EsVersion:              defaultEsVersion,
	}
}

// parseConfig returns the configuration from the command-line arguments and
// the configuration file, if any.  If conf is nil, the program should exit
// with exitCode.
func parseConfig(
	cmdName string,
	args []string,
	output io.Writer,
) (conf *configuration, exitCode int, err error) {
	conf = newDefaultConfiguration()

	// Parse the command line first to find the configuration file.
	err = parseCmdLineOptions(cmdName, args, conf, output)
	if err == nil && conf.ConfigPath != "" {
		err = parseConfigFile(conf, conf.ConfigPath)
		if err != nil {
			return nil, osutil.ExitCodeFailure, fmt.Errorf("parsing config file: %w", err)
		}

		// Parse it again, so that the command line overrides the file.
		err = parseCmdLineOptions(cmdName, args, conf, output)
	}

	if exitCode, needExit := processCmdLineOptions(cmdName, conf, err, output); needExit {
		return nil, exitCode, err
	}

	err = conf.validate()
	if err != nil {
		return nil, osutil.ExitCodeArgumentError, err
	}

	return conf, osutil.ExitCodeSuccess, nil
}

// parseConfigFile fills conf with the settings from file read by the given
// path.
func parseConfigFile(conf *configuration, confPath string) (err error) {
	// #nosec G304 -- Trust the file path that is given in the args.
	b, err := os.ReadFile(confPath)
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	err = yaml.Unmarshal(b, conf)
	if err != nil {
		return fmt.Errorf("unmarshalling file: %w", err)
	}

	return nil
}

// validate returns an error if conf contains invalid values.  Values that
// depend on other packages are validated by their configuration structures.
func (conf *configuration) validate() (err error) {
	var errs []error

	_, listenErr := conf.listenAddrPort()
	_, resolverErr := conf.resolverAddrPort()
	errs = append(
		errs,
		listenErr,
		resolverErr,
		dnscrypt.CryptoConstruction(conf.EsVersion).Validate(),
	)

	if conf.ProviderName == "" {
		errs = append(errs, fmt.Errorf("provider-name: %w", errors.ErrEmptyValue))
	}

	return errors.Join(errs...)
}

// listenAddrPort returns the normalized listen address.
func (conf *configuration) listenAddrPort() (addr netip.AddrPort, err error) {
	addr, err = proxynetutil.ParseAddrPort(conf.ListenAddr, proxynetutil.DefaultPort)
	if err != nil {
		return addr, fmt.Errorf("listen-address: %w", err)
	}

	return addr, nil
}

// resolverAddrPort returns the normalized resolver address.
func (conf *configuration) resolverAddrPort() (addr netip.AddrPort, err error) {
	addr, err = proxynetutil.ParseAddrPort(conf.ResolverAddr, proxynetutil.DefaultPort)
	if err != nil {
		return addr, fmt.Errorf("resolver-address: %w", err)
	}

	return addr, nil
}

// providerName returns the provider name with the DNSCrypt prefix and without
// the trailing dot.
func (conf *configuration) providerName() (name string) {
	name = strings.TrimSuffix(conf.ProviderName, ".")
	if !strings.HasPrefix(name, dnscrypt.ProviderNamePrefix) {
		name = dnscrypt.ProviderNamePrefix + name
	}

	return name
}

// createProxyConfig returns the proxy configuration built from conf, certs, and
// m.  conf must be valid.
func createProxyConfig(
	l *slog.Logger,
	conf *configuration,
	certs *certmgr.Manager,
	m *metrics.Metrics,
) (c *proxy.Config, err error) {
	listenAddr, err := conf.listenAddrPort()
	if err != nil {
		// Don't wrap the error, since it's informative enough as is.
		return nil, err
	}

	resolverAddr, err := conf.resolverAddrPort()
	if err != nil {
		// Don't wrap the error, since it's informative enough as is.
		return nil, err
	}

	c = &proxy.Config{
		Logger:            l.With(slogutil.KeyPrefix, "proxy"),
		Certificates:      certs,
		Metrics:           m,
		ProviderName:      conf.providerName(),
		ListenAddr:        listenAddr,
		UpstreamAddr:      resolverAddr,
		UpstreamTimeout:   time.Duration(conf.Timeout),
		MaxSessions:       conf.MaxSessions,
		MaxTCPConnections: conf.MaxTCPConnections,
		UDPBufferSize:     conf.UDPBufferSize,
		TCPOnly:           conf.TCPOnly,
		ServFailOnTimeout: conf.ServFailOnTimeout,
	}

	if conf.Ratelimit > 0 {
		rlConf := &ratelimit.Config{
			Logger:        l.With(slogutil.KeyPrefix, "ratelimit"),
			Ratelimit:     conf.Ratelimit,
			SubnetLenIPv4: conf.RatelimitSubnetLenIPv4,
			SubnetLenIPv6: conf.RatelimitSubnetLenIPv6,
		}

		err = rlConf.Validate()
		if err != nil {
			return nil, fmt.Errorf("ratelimit: %w", err)
		}

		c.Ratelimit = ratelimit.New(rlConf)
	}

	return c, nil
}
