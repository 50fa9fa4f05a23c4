package models

// StreamElement is one item of a generator stream: either a TextChunk or a MetadataChunk.
// The interface is sealed; consumers use a type switch.
type StreamElement interface {
	isStreamElement()
}

// TextChunk carries a fragment of generated text
type TextChunk struct {
	Text string
}

// MetadataChunk carries the terminal out-of-band metadata record
type MetadataChunk struct {
	Metadata GenerationMetadata
}

func (TextChunk) isStreamElement()     {}
func (MetadataChunk) isStreamElement() {}
