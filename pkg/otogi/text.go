package otogi

import (
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"
)

// TextEntityType is a formatting style applied to a range of message text.
type TextEntityType string

const (
	TextEntityTypeBold   TextEntityType = "bold"
	TextEntityTypeItalic TextEntityType = "italic"
	TextEntityTypeCode   TextEntityType = "code"
)

// TextEntity styles Length runes of message text starting at rune Offset.
// Drivers convert the rune ranges to whatever unit their platform counts in.
type TextEntity struct {
	Type   TextEntityType
	Offset int
	Length int
}

// ValidateTextEntities reports the first entity without a type or whose range
// leaves text.
func ValidateTextEntities(text string, entities []TextEntity) error {
	runes := utf8.RuneCountInString(text)
	for index, entity := range entities {
		end := entity.Offset + entity.Length
		switch {
		case entity.Type == "":
			return fmt.Errorf("entity[%d]: missing type", index)
		case entity.Offset < 0, entity.Length <= 0, end > runes:
			return fmt.Errorf("entity[%d]: range [%d,%d) outside text of %d runes", index, entity.Offset, end, runes)
		}
	}

	return nil
}

// TextBuilder assembles formatted text piece by piece. The zero value is
// empty and ready to use.
type TextBuilder struct {
	text     strings.Builder
	runes    int
	entities []TextEntity
}

// Write appends unstyled text.
func (b *TextBuilder) Write(text string) {
	b.text.WriteString(text)
	b.runes += utf8.RuneCountInString(text)
}

// Styled appends text under one entity. Empty text adds no entity.
func (b *TextBuilder) Styled(entityType TextEntityType, text string) {
	if length := utf8.RuneCountInString(text); length > 0 {
		b.entities = append(b.entities, TextEntity{Type: entityType, Offset: b.runes, Length: length})
	}
	b.Write(text)
}

func (b *TextBuilder) Text() string {
	return b.text.String()
}

// Entities returns a copy, so the builder stays usable.
func (b *TextBuilder) Entities() []TextEntity {
	return slices.Clone(b.entities)
}
