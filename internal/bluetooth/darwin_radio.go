//go:build darwin
// +build darwin

package bluetooth

import "fmt"

// DarwinRadio is a placeholder Radio for macOS; CoreBluetooth support is
// not implemented. Matches the teacher's stubbed-provider pattern for
// platforms without an example CGo binding in this corpus.
type DarwinRadio struct{}

func NewDarwinRadio() (*DarwinRadio, error) {
	return nil, fmt.Errorf("bluetooth: macOS radio not implemented")
}

func (r *DarwinRadio) Start(func([]byte, string), func(string), func(string)) error {
	return fmt.Errorf("bluetooth: not implemented")
}
func (r *DarwinRadio) Stop() error                                   { return fmt.Errorf("bluetooth: not implemented") }
func (r *DarwinRadio) Advertise() error                               { return fmt.Errorf("bluetooth: not implemented") }
func (r *DarwinRadio) StopAdvertising() error                         { return fmt.Errorf("bluetooth: not implemented") }
func (r *DarwinRadio) StartScanning(func(string, int)) error          { return fmt.Errorf("bluetooth: not implemented") }
func (r *DarwinRadio) StopScanning() error                            { return fmt.Errorf("bluetooth: not implemented") }
func (r *DarwinRadio) Connect(string) error                           { return fmt.Errorf("bluetooth: not implemented") }
func (r *DarwinRadio) Disconnect(string) error                        { return fmt.Errorf("bluetooth: not implemented") }
func (r *DarwinRadio) Write(string, []byte) error                     { return fmt.Errorf("bluetooth: not implemented") }
