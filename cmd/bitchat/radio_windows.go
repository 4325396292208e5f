//go:build windows
// +build windows

package main

import "github.com/permissionlesstech/bitchat-mesh/internal/bluetooth"

func newRadio() (bluetooth.Radio, error) {
	return bluetooth.NewWindowsRadio()
}
