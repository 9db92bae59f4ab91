package mutexbuf

// Kind tags the element type of a field. The set is closed and decoded
// structurally: layout and notify arithmetic only work on 4-byte elements,
// and validation rejects anything wider at definition time.
type Kind uint8

const (
	KindInt32 Kind = iota
	KindUint32
	KindFloat32
	// KindFloat64 exists so callers can express the request; the layout
	// rejects it because lock and notify operations need the atomic width.
	KindFloat64
)

// Width returns the element width in bytes.
func (k Kind) Width() int {
	if k == KindFloat64 {
		return 8
	}
	return WordSize
}

func (k Kind) String() string {
	switch k {
	case KindInt32:
		return "int32"
	case KindUint32:
		return "uint32"
	case KindFloat32:
		return "float32"
	case KindFloat64:
		return "float64"
	default:
		return "unknown"
	}
}

// AutoPosition marks a field whose position the layout assigns sequentially.
const AutoPosition = -1

// Field is a named, positioned, fixed-length numeric slot. Position and
// Length are in 32-bit units relative to the owning block (the metadata
// block, or one data array's prefix).
type Field struct {
	Name     string
	Position int
	Length   int
	Kind     Kind
}

// ArrayDescriptor locates one data array (shared field prefix followed by
// payload) inside the buffer. Position is relative to the instance start
// offset; Length includes the prefix.
type ArrayDescriptor struct {
	Position int
	Length   int
}

// LayoutError describes a rejected layout or field operation.
type LayoutError struct {
	Code    string
	Message string
}

func (e *LayoutError) Error() string {
	return e.Code + ": " + e.Message
}

func cloneFields(fields []Field) []Field {
	return append([]Field(nil), fields...)
}

// normalizeFields validates element widths and name uniqueness, assigns
// sequential positions to fields carrying AutoPosition, and returns the
// normalized copy plus the resulting block length in 32-bit units. The
// input slice is never mutated.
func normalizeFields(fields []Field) ([]Field, int, error) {
	out := cloneFields(fields)
	seen := make(map[string]struct{}, len(out))
	cursor := 0

	for i := range out {
		f := &out[i]
		if f.Name == "" {
			return nil, 0, &LayoutError{
				Code:    "UNNAMED_FIELD",
				Message: "every field needs a name",
			}
		}
		if _, dup := seen[f.Name]; dup {
			return nil, 0, &LayoutError{
				Code:    "DUPLICATE_FIELD",
				Message: "field " + f.Name + " defined twice",
			}
		}
		seen[f.Name] = struct{}{}

		if f.Kind.Width() != WordSize {
			return nil, 0, &LayoutError{
				Code:    "UNSUPPORTED_WIDTH",
				Message: "field " + f.Name + " has element kind " + f.Kind.String() + "; only 4-byte elements are supported",
			}
		}

		if f.Length <= 0 {
			f.Length = 1
		}
		if f.Position == AutoPosition {
			f.Position = cursor
		} else if f.Position < 0 {
			return nil, 0, &LayoutError{
				Code:    "INVALID_POSITION",
				Message: "field " + f.Name + " has a negative position",
			}
		}

		if end := f.Position + f.Length; end > cursor {
			cursor = end
		}
	}

	return out, cursor, nil
}
