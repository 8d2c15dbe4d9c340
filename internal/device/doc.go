// Package device holds the value types and error taxonomy shared by the BLE
// transports, the UART profile and the session state machine.
//
// A Handle names one peripheral. NotFoundError and ConnectionError describe
// the soft failures a transport can report; NormalizeError maps backend error
// strings onto them so callers can use errors.Is regardless of backend.
package device
