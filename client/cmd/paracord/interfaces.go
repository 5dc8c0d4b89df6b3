package main

import "context"

// Transporter is the interface wrapping the Transport methods the media
// pipeline depends on. Defining it here lets the pipeline be driven by a
// mock transport in tests.
type Transporter interface {
	Connect(ctx context.Context, addr, username string) error
	Disconnect()
	MyID() uint16
	GetMetrics() Metrics

	// SendDatagram/ReceiveDatagram satisfy media.DatagramSender/DatagramReceiver
	// so a Transporter can feed a media.SendTask/ReceiveTask directly.
	SendDatagram(data []byte) error
	ReceiveDatagram(ctx context.Context) ([]byte, error)

	// Per-user local muting — purely client-side, no server involvement.
	MuteUser(id uint16)
	UnmuteUser(id uint16)
	IsUserMuted(id uint16) bool
	MutedUsers() []uint16

	// Callback setters — prefer setters over exported fields so the interface
	// can be satisfied by both the real Transport and test doubles.
	SetOnUserList(fn func([]UserInfo))
	SetOnUserJoined(fn func(uint16, string))
	SetOnUserLeft(fn func(uint16))
	SetOnDisconnected(fn func(reason string))
	SetOnServerInfo(fn func(name string))
	SetOnKicked(fn func())
	SetOnOwnerChanged(fn func(ownerID uint16))
}
