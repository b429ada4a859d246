// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

//go:build !js
// +build !js

// rendezvous is a one-to-many WebRTC signaling server.
package main

import (
	"os"

	"github.com/signalcore/rendezvous/internal/app"
)

func main() {
	application := app.New(os.Args[1:])

	if err := application.Run(); err != nil {
		panic(err)
	}
}
