package cmd

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/AdguardTeam/dnscrypt-wrapper/internal/version"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/osutil"
	"github.com/AdguardTeam/golibs/timeutil"
)

// Indexes to help with the [commandLineOptions] initialization.
const (
	configPathIdx = iota
	logOutputIdx
	keysPathIdx
	providerNameIdx
	listenAddrIdx
	resolverAddrIdx
	metricsAddrIdx
	esVersionIdx
	certificateTTLIdx
	rotationIntervalIdx
	gracePeriodIdx
	timeoutIdx
	maxSessionsIdx
	maxTCPConnectionsIdx
	ratelimitIdx
	ratelimitSubnetLenIPv4Idx
	ratelimitSubnetLenIPv6Idx
	udpBufferSizeIdx
	secretsCacheSizeIdx
	daemonizeIdx
	tcpOnlyIdx
	servFailOnTimeoutIdx
	helpIdx
	versionIdx
	verboseIdx
)

// commandLineOption contains information about a command-line option: its long
// and, if there is one, short forms, the value type, and the description.
type commandLineOption struct {
	description string
	long        string
	short       string
	valueType   string
}

// commandLineOptions are all command-line options currently supported by the
// binary.
var commandLineOptions = []*commandLineOption{
	configPathIdx: {
		description: "YAML configuration file. Options passed through command line will " +
			"override the ones from this file.",
		long:      "config-path",
		short:     "",
		valueType: "path",
	},
	logOutputIdx: {
		description: "Path to the log file. If not set, write to stdout.",
		long:        "output",
		short:       "o",
		valueType:   "path",
	},
	keysPathIdx: {
		description: "Path to the file with the provider keys and the current certificate. " +
			"It's created if it doesn't exist.",
		long:      "keys-path",
		short:     "",
		valueType: "path",
	},
	providerNameIdx: {
		description: "Provider name. The \"2.dnscrypt-cert.\" prefix is added if missing.",
		long:        "provider-name",
		short:       "",
		valueType:   "name",
	},
	listenAddrIdx: {
		description: "Address to listen on for DNSCrypt queries over UDP and TCP.",
		long:        "listen-address",
		short:       "a",
		valueType:   "address",
	},
	resolverAddrIdx: {
		description: "Address of the plain DNS resolver to forward queries to.",
		long:        "resolver-address",
		short:       "r",
		valueType:   "address",
	},
	metricsAddrIdx: {
		description: "Address to serve Prometheus metrics on. If not set, metrics are disabled.",
		long:        "metrics-address",
		short:       "",
		valueType:   "address",
	},
	esVersionIdx: {
		description: "Crypto construction of the certificates: 1 for XSalsa20Poly1305, " +
			"2 for XChacha20Poly1305.",
		long:      "es-version",
		short:     "",
		valueType: "version",
	},
	certificateTTLIdx: {
		description: "Validity period of the issued certificates.",
		long:        "certificate-ttl",
		short:       "",
		valueType:   "duration",
	},
	rotationIntervalIdx: {
		description: "Interval of the certificate rotation. Must be less than the certificate TTL.",
		long:        "rotation-interval",
		short:       "",
		valueType:   "duration",
	},
	gracePeriodIdx: {
		description: "Time a rotated certificate is still accepted.",
		long:        "grace-period",
		short:       "",
		valueType:   "duration",
	},
	timeoutIdx: {
		description: "Timeout for queries to the resolver.",
		long:        "timeout",
		short:       "",
		valueType:   "duration",
	},
	maxSessionsIdx: {
		description: "Maximum number of queries waiting for the resolver.",
		long:        "max-sessions",
		short:       "",
		valueType:   "count",
	},
	maxTCPConnectionsIdx: {
		description: "Maximum number of client TCP connections.",
		long:        "max-tcp-connections",
		short:       "",
		valueType:   "count",
	},
	ratelimitIdx: {
		description: "Ratelimit (requests per second from a client subnet). Zero disables it.",
		long:        "ratelimit",
		short:       "l",
		valueType:   "value",
	},
	ratelimitSubnetLenIPv4Idx: {
		description: "Ratelimit subnet length for IPv4.",
		long:        "ratelimit-subnet-len-ipv4",
		short:       "",
		valueType:   "value",
	},
	ratelimitSubnetLenIPv6Idx: {
		description: "Ratelimit subnet length for IPv6.",
		long:        "ratelimit-subnet-len-ipv6",
		short:       "",
		valueType:   "value",
	},
	udpBufferSizeIdx: {
		description: "Set the size of the UDP buffer in bytes. A value <= 0 will use the " +
			"system default.",
		long:      "udp-buf-size",
		short:     "",
		valueType: "size",
	},
	secretsCacheSizeIdx: {
		description: "Maximum number of cached shared keys per certificate.",
		long:        "secrets-cache-size",
		short:       "",
		valueType:   "count",
	},
	daemonizeIdx: {
		description: "Run in the background.",
		long:        "daemonize",
		short:       "d",
		valueType:   "",
	},
	tcpOnlyIdx: {
		description: "Forward all queries to the resolver over TCP.",
		long:        "tcp-only",
		short:       "",
		valueType:   "",
	},
	servFailOnTimeoutIdx: {
		description: "Respond with SERVFAIL when the resolver doesn't answer in time.",
		long:        "servfail-on-timeout",
		short:       "",
		valueType:   "",
	},
	helpIdx: {
		description: "Print this help message and quit.",
		long:        "help",
		short:       "h",
		valueType:   "",
	},
	versionIdx: {
		description: "Print the program version and quit.",
		long:        "version",
		short:       "",
		valueType:   "",
	},
	verboseIdx: {
		description: "Verbose output.",
		long:        "verbose",
		short:       "v",
		valueType:   "",
	},
}

// parseCmdLineOptions parses the command-line options args into conf.  conf
// must not be nil.
func parseCmdLineOptions(cmdName string, args []string, conf *configuration, output io.Writer) (err error) {
	flags := flag.NewFlagSet(cmdName, flag.ContinueOnError)
	flags.SetOutput(output)
	for i, fieldPtr := range []any{
		configPathIdx:             &conf.ConfigPath,
		logOutputIdx:              &conf.LogOutput,
		keysPathIdx:               &conf.KeysPath,
		providerNameIdx:           &conf.ProviderName,
		listenAddrIdx:             &conf.ListenAddr,
		resolverAddrIdx:           &conf.ResolverAddr,
		metricsAddrIdx:            &conf.MetricsAddr,
		esVersionIdx:              &conf.EsVersion,
		certificateTTLIdx:         &conf.CertificateTTL,
		rotationIntervalIdx:       &conf.RotationInterval,
		gracePeriodIdx:            &conf.GracePeriod,
		timeoutIdx:                &conf.Timeout,
		maxSessionsIdx:            &conf.MaxSessions,
		maxTCPConnectionsIdx:      &conf.MaxTCPConnections,
		ratelimitIdx:              &conf.Ratelimit,
		ratelimitSubnetLenIPv4Idx: &conf.RatelimitSubnetLenIPv4,
		ratelimitSubnetLenIPv6Idx: &conf.RatelimitSubnetLenIPv6,
		udpBufferSizeIdx:          &conf.UDPBufferSize,
		secretsCacheSizeIdx:       &conf.SecretsCacheSize,
		daemonizeIdx:              &conf.Daemonize,
		tcpOnlyIdx:                &conf.TCPOnly,
		servFailOnTimeoutIdx:      &conf.ServFailOnTimeout,
		helpIdx:                   &conf.help,
		versionIdx:                &conf.Version,
		verboseIdx:                &conf.Verbose,
	} {
		addOption(flags, fieldPtr, commandLineOptions[i])
	}

	flags.Usage = func() { usage(cmdName, output) }

	err = flags.Parse(args)
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return err
	}

	if flags.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %q", flags.Args())
	}

	return nil
}

// defineFlag defines a flag with specified setFlag function.  o must not be
// nil.
func defineFlag[T any](
	fieldPtr *T,
	o *commandLineOption,
	setFlag func(p *T, name string, value T, usage string),
) {
	setFlag(fieldPtr, o.long, *fieldPtr, o.description)
	if o.short != "" {
		setFlag(fieldPtr, o.short, *fieldPtr, o.description)
	}
}

// defineFlagVar defines a flag with the specified [flag.Value] value.  o must
// not be nil.
func defineFlagVar(flags *flag.FlagSet, value flag.Value, o *commandLineOption) {
	flags.Var(value, o.long, o.description)
	if o.short != "" {
		flags.Var(value, o.short, o.description)
	}
}

// defineTimeutilDurationFlag defines a flag with for the specified
// [*timeutil.Duration] pointer and command line option.  o must not be nil.
func defineTimeutilDurationFlag(
	flags *flag.FlagSet,
	fieldPtr *timeutil.Duration,
	o *commandLineOption,
) {
	flags.TextVar(fieldPtr, o.long, *fieldPtr, o.description)
	if o.short != "" {
		flags.TextVar(fieldPtr, o.short, *fieldPtr, o.description)
	}
}

// addOption adds the command-line option described by o to flags using fieldPtr
// as the pointer to the value.
func addOption(flags *flag.FlagSet, fieldPtr any, o *commandLineOption) {
	switch fieldPtr := fieldPtr.(type) {
	case *string:
		defineFlag(fieldPtr, o, flags.StringVar)
	case *bool:
		defineFlag(fieldPtr, o, flags.BoolVar)
	case *int:
		defineFlag(fieldPtr, o, flags.IntVar)
	case *uint:
		defineFlag(fieldPtr, o, flags.UintVar)
	case *uint16:
		defineFlagVar(flags, (*uint16Value)(fieldPtr), o)
	case *timeutil.Duration:
		defineTimeutilDurationFlag(flags, fieldPtr, o)
	default:
		panic(fmt.Errorf("unexpected field pointer type %T: %w", fieldPtr, errors.ErrBadEnumValue))
	}
}

// usage prints a usage message similar to the one printed by package flag but
// taking long vs. short versions into account as well as using more informative
// value hints.
func usage(cmdName string, output io.Writer) {
	options := slices.Clone(commandLineOptions)
	slices.SortStableFunc(options, func(a, b *commandLineOption) (res int) {
		return strings.Compare(a.long, b.long)
	})

	b := &strings.Builder{}
	_, _ = fmt.Fprintf(b, "Usage of %s:\n", cmdName)

	for _, o := range options {
		writeUsageLine(b, o)

		// Use four spaces before the tab to trigger good alignment for both 4-
		// and 8-space tab stops.
		_, _ = fmt.Fprintf(b, "    \t%s\n", o.description)
	}

	_, _ = io.WriteString(output, b.String())
}

// writeUsageLine writes the usage line for the provided command-line option.
func writeUsageLine(b *strings.Builder, o *commandLineOption) {
	if o.short == "" {
		if o.valueType == "" {
			_, _ = fmt.Fprintf(b, "  --%s\n", o.long)
		} else {
			_, _ = fmt.Fprintf(b, "  --%s=%s\n", o.long, o.valueType)
		}

		return
	}

	if o.valueType == "" {
		_, _ = fmt.Fprintf(b, "  --%s/-%s\n", o.long, o.short)
	} else {
		_, _ = fmt.Fprintf(b, "  --%[1]s=%[3]s/-%[2]s %[3]s\n", o.long, o.short, o.valueType)
	}
}

// processCmdLineOptions decides if the program should exit depending on the
// results of command-line option parsing.
func processCmdLineOptions(
	cmdName string,
	conf *configuration,
	parseErr error,
	output io.Writer,
) (exitCode int, needExit bool) {
	if parseErr != nil {
		// Assume that usage has already been printed.
		return osutil.ExitCodeArgumentError, true
	}

	if conf.help {
		usage(cmdName, output)

		return osutil.ExitCodeSuccess, true
	}

	if conf.Version {
		_, _ = fmt.Fprintf(output, "dnscrypt-wrapper version %s\n", version.Version())

		return osutil.ExitCodeSuccess, true
	}

	if conf.ResolverAddr == "" {
		_, _ = fmt.Fprintln(output, "You must specify --resolver-address.")
		usage(cmdName, output)

		return osutil.ExitCodeSuccess, true
	}

	return osutil.ExitCodeSuccess, false
}

// osArgs returns the command name and the command-line arguments.
func osArgs() (cmdName string, args []string) {
	return os.Args[0], os.Args[1:]
}
