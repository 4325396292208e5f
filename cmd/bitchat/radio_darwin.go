//go:build darwin
// +build darwin

package main

import "github.com/permissionlesstech/bitchat-mesh/internal/bluetooth"

func newRadio() (bluetooth.Radio, error) {
	return bluetooth.NewDarwinRadio()
}
