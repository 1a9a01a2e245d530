package otogi

import "testing"

func TestTextBuilderTracksRuneOffsets(t *testing.T) {
	t.Parallel()

	var builder TextBuilder
	builder.Write("🍎 ")
	builder.Styled(TextEntityTypeBold, "Ruan")
	builder.Styled(TextEntityTypeCode, "")
	builder.Write(": 5")

	if builder.Text() != "🍎 Ruan: 5" {
		t.Fatalf("text = %q", builder.Text())
	}
	entities := builder.Entities()
	if len(entities) != 1 || entities[0].Offset != 2 || entities[0].Length != 4 {
		t.Fatalf("entities = %+v, want bold at rune 2 length 4", entities)
	}
	entities[0].Offset = 99
	if builder.Entities()[0].Offset != 2 {
		t.Fatal("Entities() leaked the builder's slice")
	}
}

func TestValidateTextEntities(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		text     string
		entities []TextEntity
		wantErr  bool
	}{
		{name: "none", text: "ab"},
		{name: "whole text", text: "日本", entities: []TextEntity{{Type: TextEntityTypeBold, Length: 2}}},
		{name: "past the end", text: "ab", entities: []TextEntity{{Type: TextEntityTypeBold, Offset: 1, Length: 2}}, wantErr: true},
		{name: "negative offset", text: "ab", entities: []TextEntity{{Type: TextEntityTypeBold, Offset: -1, Length: 1}}, wantErr: true},
		{name: "empty range", text: "ab", entities: []TextEntity{{Type: TextEntityTypeBold}}, wantErr: true},
		{name: "missing type", text: "ab", entities: []TextEntity{{Length: 1}}, wantErr: true},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			err := ValidateTextEntities(testCase.text, testCase.entities)
			if (err != nil) != testCase.wantErr {
				t.Fatalf("ValidateTextEntities() error = %v, wantErr %v", err, testCase.wantErr)
			}
		})
	}
}
