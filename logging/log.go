package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

type prefixFormatter struct {
	prefix    string
	formatter logrus.Formatter
}

// Init options for logging.
type Options struct {

	// Prefix for application log entries. Primarily used to be
	// able to select between access log and application log
	// entries.
	ApplicationLogPrefix string

	// Output for the application log entries, when nil,
	// os.Stderr is used.
	ApplicationLogOutput io.Writer

	// ApplicationLogLevel sets the minimum level of the
	// application log ("debug", "info", "warn", "error").
	ApplicationLogLevel string

	// Output for the access log entries, when nil, os.Stderr is
	// used.
	AccessLogOutput io.Writer

	// When set, no access log is printed.
	AccessLogDisabled bool

	// When set, the access log entries are printed as JSON.
	AccessLogJSONEnabled bool
}

func (f *prefixFormatter) Format(e *logrus.Entry) ([]byte, error) {
	b, err := f.formatter.Format(e)
	if err != nil {
		return nil, err
	}

	return append([]byte(f.prefix), b...), nil
}

func initApplicationLog(o Options) error {
	if o.ApplicationLogPrefix != "" {
		logrus.SetFormatter(&prefixFormatter{
			o.ApplicationLogPrefix, logrus.StandardLogger().Formatter})
	}

	if o.ApplicationLogOutput != nil {
		logrus.SetOutput(o.ApplicationLogOutput)
	}

	if o.ApplicationLogLevel != "" {
		l, err := logrus.ParseLevel(o.ApplicationLogLevel)
		if err != nil {
			return err
		}

		logrus.SetLevel(l)
	}

	return nil
}

func initAccessLog(output io.Writer, accessLogJSONEnabled bool) {
	l := logrus.New()
	if accessLogJSONEnabled {
		l.Formatter = &logrus.JSONFormatter{TimestampFormat: dateFormat, DisableTimestamp: true}
	} else {
		l.Formatter = &accessLogFormatter{accessLogFormat}
	}
	l.Out = output
	l.Level = logrus.InfoLevel
	accessLog = l
}

// Init initializes the application log and the access log based on
// the options.
func Init(o Options) error {
	if err := initApplicationLog(o); err != nil {
		return err
	}

	if !o.AccessLogDisabled {
		if o.AccessLogOutput == nil {
			o.AccessLogOutput = os.Stderr
		}

		initAccessLog(o.AccessLogOutput, o.AccessLogJSONEnabled)
	}

	return nil
}
