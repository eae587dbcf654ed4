package m2m

// ChannelFile adapts a Channel to io.Writer, so channel-backed output can
// be handed to anything that writes to a stream.
type ChannelFile struct {
	ch *Channel
}

// File returns an io.Writer view of the channel.
func (c *Channel) File() *ChannelFile {
	return &ChannelFile{ch: c}
}

func (f *ChannelFile) Write(p []byte) (int, error) {
	if err := f.ch.Write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}
