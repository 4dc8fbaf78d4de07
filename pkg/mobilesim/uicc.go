// Package mobilesim implements the mobile/UICC simulator (C7): a
// standalone client that dials the admin server over PSK-TLS, drives
// the GlobalPlatform pull protocol as the card would, and answers the
// commands it receives with a small virtual card applet. It exists so
// the server side (C2-C6) can be exercised end to end without real
// SIM hardware.
package mobilesim

import "fmt"

// InstructionHandler answers one C-APDU with an R-APDU, acting as the
// corresponding applet command on the virtual card.
type InstructionHandler func(cla, p1, p2 byte, data []byte) []byte

// HandlerRegistry dispatches inbound APDUs by INS byte, the same
// shape as the telecom decoder registry this module's INS table is
// grounded on: one handler per key, fall through to a default on miss.
type HandlerRegistry struct {
	handlers map[byte]InstructionHandler
}

// NewHandlerRegistry builds a registry with the GlobalPlatform
// Amendment B minimum command set (spec §4.7) preloaded, bound to one
// card instance so handlers that need card state (SELECT, INITIALIZE
// UPDATE) can read and update it.
func NewHandlerRegistry(u *VirtualUICC) *HandlerRegistry {
	r := &HandlerRegistry{handlers: make(map[byte]InstructionHandler)}
	r.Register(InsSelect, u.handleSelect)
	r.Register(InsGetStatus, u.handleGetStatus)
	r.Register(InsGetData, u.handleGetData)
	r.Register(InsInitializeUpdate, u.handleInitializeUpdate)
	r.Register(InsExternalAuthenticate, u.handleExternalAuthenticate)
	return r
}

// Register installs or replaces the handler for an instruction byte.
func (r *HandlerRegistry) Register(ins byte, h InstructionHandler) {
	r.handlers[ins] = h
}

// Get returns the handler registered for ins, if any.
func (r *HandlerRegistry) Get(ins byte) (InstructionHandler, bool) {
	h, ok := r.handlers[ins]
	return h, ok
}

// Instruction bytes the virtual card answers (spec §4.7's minimum set).
const (
	InsSelect               byte = 0xA4
	InsGetStatus            byte = 0xF2
	InsGetData              byte = 0xCA
	InsInitializeUpdate     byte = 0x50
	InsExternalAuthenticate byte = 0x82
)

// Status words the virtual card can return.
const (
	SWSuccess       = 0x9000
	SWInsNotSupported = 0x6D00
)

// VirtualUICC holds the state a minimal eUICC applet needs to answer
// the commands above: the selected AID and a monotonically advancing
// sequence counter used by INITIALIZE UPDATE's synthetic card challenge.
type VirtualUICC struct {
	registry    *HandlerRegistry
	selectedAID []byte
	seq         byte
}

// NewVirtualUICC builds a card with the default instruction table.
func NewVirtualUICC() *VirtualUICC {
	u := &VirtualUICC{}
	u.registry = NewHandlerRegistry(u)
	return u
}

// Answer dispatches one C-APDU and returns the R-APDU the card sends
// back, always ending in a two-byte status word. An unregistered INS
// answers 6D00 per spec §4.7.
func (u *VirtualUICC) Answer(cAPDU []byte) []byte {
	if len(cAPDU) < 4 {
		return sw(SWInsNotSupported)
	}
	ins := cAPDU[1]
	p1, p2 := cAPDU[2], cAPDU[3]
	data := parseData(cAPDU[4:])

	h, ok := u.registry.Get(ins)
	if !ok {
		return sw(SWInsNotSupported)
	}
	return h(cAPDU[0], p1, p2, data)
}

func sw(word uint16) []byte {
	return []byte{byte(word >> 8), byte(word)}
}

// parseData strips a short-form Lc/data prefix if present, tolerating
// both case-1 (no body) and case-3 (Lc+data, no Le) command shapes —
// the simulator never needs extended length since it only ever plays
// back short scripted commands.
func parseData(rest []byte) []byte {
	if len(rest) == 0 {
		return nil
	}
	lc := int(rest[0])
	if lc == 0 || 1+lc > len(rest) {
		return nil
	}
	return rest[1 : 1+lc]
}

func (u *VirtualUICC) handleSelect(cla, p1, p2 byte, data []byte) []byte {
	u.selectedAID = append([]byte(nil), data...)
	out := append([]byte(nil), data...)
	out = append(out, sw(SWSuccess)...)
	return out
}

func (u *VirtualUICC) handleGetStatus(cla, p1, p2 byte, data []byte) []byte {
	return append([]byte{0x80, 0x02, 0x01, 0x00}, sw(SWSuccess)...)
}

func (u *VirtualUICC) handleGetData(cla, p1, p2 byte, data []byte) []byte {
	tag := []byte{p1, p2}
	return append(append([]byte(nil), tag...), sw(SWSuccess)...)
}

// handleInitializeUpdate advances the card's sequence counter on every
// call and folds it into the synthetic challenge, so two consecutive
// INITIALIZE UPDATEs never answer with the same bytes.
func (u *VirtualUICC) handleInitializeUpdate(cla, p1, p2 byte, data []byte) []byte {
	u.seq++
	challenge := make([]byte, 10)
	for i := range challenge {
		challenge[i] = byte(i) ^ p1 ^ p2 ^ u.seq
	}
	return append(challenge, sw(SWSuccess)...)
}

func (u *VirtualUICC) handleExternalAuthenticate(cla, p1, p2 byte, data []byte) []byte {
	// Test-mode card: accepts any MAC presented, matching spec §4.7's
	// note that the simulator need not implement real SCP81 crypto.
	return sw(SWSuccess)
}

func (u *VirtualUICC) String() string {
	return fmt.Sprintf("VirtualUICC(aid=%x)", u.selectedAID)
}
