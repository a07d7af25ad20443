package wire

// MessageBuilder stages a Message's fields via setters and only
// assembles them on Build. It never re-encodes on mutation; Emit is
// the single place wire bytes get produced.
type MessageBuilder struct {
	txID       uint16
	flags      uint16
	questions  []Question
	answers    []ResourceRecord
	authority  []ResourceRecord
	additional []ResourceRecord
}

func NewMessageBuilder() *MessageBuilder {
	return &MessageBuilder{}
}

func (b *MessageBuilder) TxID(id uint16) *MessageBuilder {
	b.txID = id
	return b
}

// Response sets or clears QR.
func (b *MessageBuilder) Response(v bool) *MessageBuilder {
	setBit(&b.flags, flagQR, v)
	return b
}

func (b *MessageBuilder) RecursionDesired(v bool) *MessageBuilder {
	setBit(&b.flags, flagRD, v)
	return b
}

func (b *MessageBuilder) RecursionAvailable(v bool) *MessageBuilder {
	setBit(&b.flags, flagRA, v)
	return b
}

func (b *MessageBuilder) Questions(qs []Question) *MessageBuilder {
	b.questions = qs
	return b
}

func (b *MessageBuilder) Answer(r ResourceRecord) *MessageBuilder {
	b.answers = append(b.answers, r)
	return b
}

func (b *MessageBuilder) Answers(rs []ResourceRecord) *MessageBuilder {
	b.answers = append(b.answers, rs...)
	return b
}

func (b *MessageBuilder) Authority(rs []ResourceRecord) *MessageBuilder {
	b.authority = append(b.authority, rs...)
	return b
}

func (b *MessageBuilder) Additional(rs []ResourceRecord) *MessageBuilder {
	b.additional = append(b.additional, rs...)
	return b
}

// Build assembles the final Message. Section counts are derived from
// the list lengths at Emit time, not stored here.
func (b *MessageBuilder) Build() Message {
	return Message{
		TxID:       b.txID,
		Flags:      b.flags,
		Questions:  b.questions,
		Answers:    b.answers,
		Authority:  b.authority,
		Additional: b.additional,
	}
}
