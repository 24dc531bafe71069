package models

// Device is one transport-visible endpoint reported by device enumeration.
type Device struct {
	Name         string
	NodeID       string
	ServiceClass string
	Address      Address
}
