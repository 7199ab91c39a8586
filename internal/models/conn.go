package models

type ConnState string

const (
	ConnConnected     ConnState = "CONNECTED"
	ConnReconnecting  ConnState = "RECONNECTING"
	ConnCircuitBroken ConnState = "CIRCUIT_BROKEN"
	ConnDisconnected  ConnState = "DISCONNECTED"
)
