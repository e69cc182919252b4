package dht

import "github.com/sirupsen/logrus"

var log logrus.FieldLogger = logrus.WithField("component", "dht")

// SetLogger replaces the package logger. Call before starting lookups.
func SetLogger(l logrus.FieldLogger) {
	log = l.WithField("component", "dht")
}
