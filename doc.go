// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

// Package vnc implements the server side of the Remote Framebuffer (RFB)
// protocol defined in RFC 6143, the protocol spoken by VNC viewers.
//
// A Server exports a Desktop, usually a *Framebuffer filled by a capture
// layer, to any number of viewers. Viewers arrive through Serve (TCP),
// WebSocketHandler (browser viewers such as noVNC) or Connect (reverse
// connections, optionally through a repeater).
//
// # Basic Usage
//
//	fb, err := vnc.NewFramebuffer(1024, 768, *vnc.PixelFormat32BitRGBA, "desktop")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	cfg := vnc.DefaultConfig()
//	cfg.Security.Password = "secret"
//
//	server, err := vnc.NewServer(fb, cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	l, err := net.Listen("tcp", cfg.Listen.Address)
//	if err != nil {
//		log.Fatal(err)
//	}
//	go server.Serve(ctx, l)
//	go server.Run(ctx)
//
// # Publishing Changes
//
// The capture side writes through the server's Broadcaster and calls Flush
// to hand the accumulated damage to every authenticated viewer:
//
//	out := server.Broadcaster()
//	out.Update(vnc.NewRect(0, 0, 64, 64), pixels)
//	out.CopyRect(vnc.NewRect(0, 100, 200, 50), vnc.Point{X: 0, Y: -10})
//	out.Flush()
//
// Each viewer is sent only the parts of the accumulated region it asked
// for, in the pixel format and encoding it negotiated.
//
// # Input Events
//
// Keyboard, pointer and clipboard events from viewers that are not view-only
// are passed to the InputHandler given with WithInputHandler.
//
// # Error Handling
//
//	if vnc.IsVNCError(err, vnc.ErrRejected) {
//		log.Printf("viewer refused: %v", err)
//	}
package vnc
