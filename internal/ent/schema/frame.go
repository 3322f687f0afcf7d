package schema

import (
	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Frame holds one captured frame of a Recording.
type Frame struct{ ent.Schema }

// Fields of the Frame.
func (Frame) Fields() []ent.Field {
	return []ent.Field{
		field.String("recording_id").NotEmpty(),
		// Capture sequence number; frames load in this order.
		field.Int64("frame_number").NonNegative(),
		field.Float("timestamp_ms"),
		field.Bytes("payload"),
		field.Bool("compressed").Default(false),
		field.String("codec").Optional(),
		field.Int("original_size").NonNegative(),
		field.Int("compressed_size").NonNegative(),
		field.JSON("events", []map[string]any{}).Optional(),
	}
}

// Edges of the Frame.
func (Frame) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("recording", Recording.Type).
			Ref("frames").
			Field("recording_id").
			Unique().
			Required(),
	}
}

// Indexes of the Frame.
func (Frame) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("recording_id", "frame_number").Unique(),
	}
}
