package tcu

import (
	"github.com/m3sys/kernel/pkg/kerr"
)

// Send atomically consumes one credit on ep and transmits data to the
// remote Receive endpoint ep targets, per spec section 4.1.
func (t *LocalTCU) Send(ep EpId, data []byte, replyLabel Label, replyEp EpId) error {
	cfg, err := t.reg.Get(ep)
	if err != nil {
		return err
	}
	if cfg.Kind != SendKind {
		return kerr.NewError(kerr.NoSEP)
	}

	if !cfg.Send.Credits.Debit() {
		return kerr.NewError(kerr.NoCredits)
	}

	targetReg, ok := t.fabric.Registry(cfg.Send.TargetTile)
	if !ok {
		return kerr.NewError(kerr.NoMEP)
	}
	rbuf, err := targetReg.RecvBufferFor(cfg.Send.TargetEp)
	if err != nil {
		cfg.Send.Credits.Credit() // message never left the EP; return the credit
		t.reg.ConfigureSend(ep, cfg.Send)
		return err
	}

	msg := &Message{
		Label:      cfg.Send.Label,
		Sender:     t.tile,
		SenderEp:   ep,
		ReplyLabel: replyLabel,
		ReplyEp:    replyEp,
		Data:       append([]byte(nil), data...),
	}
	if _, err := rbuf.Write(msg); err != nil {
		cfg.Send.Credits.Credit()
		t.reg.ConfigureSend(ep, cfg.Send)
		return err
	}

	// Persist the debited credit count.
	t.reg.ConfigureSend(ep, cfg.Send)
	return nil
}

// Reply answers a specific received message. It does not consume the
// SendGate's general credit pool; it writes the reply into the sender's
// ReplyEp with the ReplyLabel carried on the received Message.
func (t *LocalTCU) Reply(recvEp EpId, msgSlot int, data []byte) error {
	rbuf, err := t.reg.RecvBufferFor(recvEp)
	if err != nil {
		return err
	}
	// The message must still be present (fetched but not yet acked) to know
	// where to route the reply.
	orig := rbuf.peek(msgSlot)
	if orig == nil {
		return kerr.NewError(kerr.InvMsgOff)
	}

	senderReg, ok := t.fabric.Registry(orig.Sender)
	if !ok {
		return kerr.NewError(kerr.NoMEP)
	}
	senderRbuf, err := senderReg.RecvBufferFor(orig.ReplyEp)
	if err != nil {
		return kerr.NewError(kerr.SendReplyEP)
	}

	reply := &Message{
		Label:  orig.ReplyLabel,
		Sender: t.tile,
		Data:   append([]byte(nil), data...),
	}
	if _, err := senderRbuf.Write(reply); err != nil {
		return err
	}
	return nil
}

// FetchMsg returns the offset of the oldest unread message on ep, or -1 if
// none is pending. It does not ack.
func (t *LocalTCU) FetchMsg(ep EpId) (int, *Message, error) {
	rbuf, err := t.reg.RecvBufferFor(ep)
	if err != nil {
		return -1, nil, err
	}
	slot, msg := rbuf.FetchMsg()
	return slot, msg, nil
}

// AckMsg marks msgOff free on ep so the buffer's read pointer may advance.
func (t *LocalTCU) AckMsg(ep EpId, msgOff int) error {
	rbuf, err := t.reg.RecvBufferFor(ep)
	if err != nil {
		return err
	}
	return rbuf.AckMsg(msgOff)
}

// Read performs a DMA-like transfer from a Memory endpoint into local
// memory. mem is the caller-supplied backing store for the local side.
func (t *LocalTCU) Read(ep EpId, mem []byte, localOff, remoteOff uint64, length uint64) error {
	cfg, err := t.reg.Get(ep)
	if err != nil {
		return err
	}
	if cfg.Kind != MemoryKind {
		return kerr.NewError(kerr.NoMEP)
	}
	if !cfg.Mem.Perm.Has(PermRead) {
		return kerr.NewError(kerr.NoPerm)
	}
	if remoteOff+length > cfg.Mem.Length {
		return kerr.NewError(kerr.OutOfBounds)
	}
	targetReg, ok := t.fabric.Registry(cfg.Mem.TargetTile)
	if !ok {
		return kerr.NewError(kerr.NoMEP)
	}
	src := targetReg.backingStore(cfg.Mem.Base+remoteOff, length)
	if localOff+uint64(len(src)) > uint64(len(mem)) {
		return kerr.NewError(kerr.OutOfBounds)
	}
	copy(mem[localOff:], src)
	return nil
}

// Write performs a DMA-like transfer from local memory into a Memory
// endpoint's target.
func (t *LocalTCU) Write(ep EpId, mem []byte, localOff, remoteOff uint64, length uint64) error {
	cfg, err := t.reg.Get(ep)
	if err != nil {
		return err
	}
	if cfg.Kind != MemoryKind {
		return kerr.NewError(kerr.NoMEP)
	}
	if !cfg.Mem.Perm.Has(PermWrite) {
		return kerr.NewError(kerr.NoPerm)
	}
	if remoteOff+length > cfg.Mem.Length {
		return kerr.NewError(kerr.OutOfBounds)
	}
	if localOff+length > uint64(len(mem)) {
		return kerr.NewError(kerr.OutOfBounds)
	}
	targetReg, ok := t.fabric.Registry(cfg.Mem.TargetTile)
	if !ok {
		return kerr.NewError(kerr.NoMEP)
	}
	targetReg.writeBackingStore(cfg.Mem.Base+remoteOff, mem[localOff:localOff+length])
	return nil
}

// ConfigureRemote writes cfg into ep on target's register file, exercising
// the kernel's privileged Memory EP into that tile's EP register file. Only
// the kernel holds such an EP; this method doesn't itself enforce that
// privilege (callers outside internal/kernel/tilemux never reach it).
func (t *LocalTCU) ConfigureRemote(target TileId, ep EpId, cfg EPConfig) error {
	reg, ok := t.fabric.Registry(target)
	if !ok {
		return kerr.NewError(kerr.NoMEP)
	}
	switch cfg.Kind {
	case SendKind:
		return reg.ConfigureSend(ep, cfg.Send)
	case ReceiveKind:
		return reg.ConfigureRecv(ep, cfg.Recv)
	case MemoryKind:
		return reg.ConfigureMem(ep, cfg.Mem)
	default:
		return reg.Invalidate(ep)
	}
}
