package crypto

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// LoggerHelper accumulates the structured fields shared by the log lines of
// one protocol operation. Every line carries "package" and "function".
type LoggerHelper struct {
	fields logrus.Fields
}

// NewLogger creates a logger helper for a function of this package.
func NewLogger(function string) *LoggerHelper {
	return NewPackageLogger("crypto", function)
}

// NewPackageLogger creates a logger helper for function in pkg.
func NewPackageLogger(pkg, function string) *LoggerHelper {
	return &LoggerHelper{
		fields: logrus.Fields{
			"function": function,
			"package":  pkg,
		},
	}
}

// WithField sets one field.
func (l *LoggerHelper) WithField(key string, value interface{}) *LoggerHelper {
	l.fields[key] = value
	return l
}

// WithFields sets several fields, replacing existing keys.
func (l *LoggerHelper) WithFields(fields logrus.Fields) *LoggerHelper {
	for k, v := range fields {
		l.fields[k] = v
	}
	return l
}

// WithError records err along with a coarse error class and the operation
// that failed.
func (l *LoggerHelper) WithError(err error, errorType, operation string) *LoggerHelper {
	l.fields[logrus.ErrorKey] = err.Error()
	l.fields["error_type"] = errorType
	l.fields["operation"] = operation
	return l
}

// Entry returns a logrus entry carrying the accumulated fields, for callers
// that chain further logrus calls.
func (l *LoggerHelper) Entry() *logrus.Entry {
	return logrus.WithFields(l.fields)
}

func (l *LoggerHelper) Debug(message string) { l.Entry().Debug(message) }

func (l *LoggerHelper) Info(message string) { l.Entry().Info(message) }

func (l *LoggerHelper) Warn(message string) { l.Entry().Warn(message) }

func (l *LoggerHelper) Error(message string) { l.Entry().Error(message) }

// SecureFieldHash returns fields describing sensitive data without logging
// it: its size and a hex preview of at most its first 8 bytes.
func SecureFieldHash(data []byte, name string) logrus.Fields {
	const previewLen = 8
	preview := "nil"
	switch {
	case len(data) > previewLen:
		preview = fmt.Sprintf("%x...", data[:previewLen])
	case len(data) > 0:
		preview = fmt.Sprintf("%x", data)
	}
	return logrus.Fields{
		name + "_preview": preview,
		name + "_size":    len(data),
	}
}
