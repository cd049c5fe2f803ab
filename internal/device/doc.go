// Package device defines the records produced by scanning and the error
// taxonomy shared by scanning, connection and service protocols.
package device
