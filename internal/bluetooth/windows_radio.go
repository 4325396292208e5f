//go:build windows
// +build windows

package bluetooth

import "fmt"

// WindowsRadio is a placeholder Radio for Windows; WinRT Bluetooth LE
// support is not implemented. Matches the teacher's stubbed-provider
// pattern for platforms without an example binding in this corpus.
type WindowsRadio struct{}

func NewWindowsRadio() (*WindowsRadio, error) {
	return nil, fmt.Errorf("bluetooth: Windows radio not implemented")
}

func (r *WindowsRadio) Start(func([]byte, string), func(string), func(string)) error {
	return fmt.Errorf("bluetooth: not implemented")
}
func (r *WindowsRadio) Stop() error                          { return fmt.Errorf("bluetooth: not implemented") }
func (r *WindowsRadio) Advertise() error                      { return fmt.Errorf("bluetooth: not implemented") }
func (r *WindowsRadio) StopAdvertising() error                { return fmt.Errorf("bluetooth: not implemented") }
func (r *WindowsRadio) StartScanning(func(string, int)) error { return fmt.Errorf("bluetooth: not implemented") }
func (r *WindowsRadio) StopScanning() error                   { return fmt.Errorf("bluetooth: not implemented") }
func (r *WindowsRadio) Connect(string) error                  { return fmt.Errorf("bluetooth: not implemented") }
func (r *WindowsRadio) Disconnect(string) error                { return fmt.Errorf("bluetooth: not implemented") }
func (r *WindowsRadio) Write(string, []byte) error            { return fmt.Errorf("bluetooth: not implemented") }
