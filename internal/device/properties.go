package device

import "strings"

// Characteristic property bits as defined by the GATT specification.
const (
	PropBroadcast     = 0x01
	PropRead          = 0x02
	PropWriteNR       = 0x04
	PropWrite         = 0x08
	PropNotify        = 0x10
	PropIndicate      = 0x20
	PropSignedWrite   = 0x40
	PropExtendedProps = 0x80
)

// property represents a single characteristic property with its bit flag value and human-readable name.
type property struct {
	value int
	name  string
}

func (p *property) Value() int        { return p.value }
func (p *property) KnownName() string { return p.name }

// flagProperties implements Properties over a GATT property bit mask.
type flagProperties struct {
	flags int
}

// NewProperties creates a Properties instance from GATT property bit flags.
func NewProperties(flags int) Properties {
	return &flagProperties{flags: flags}
}

func (p *flagProperties) get(bit int, name string) Property {
	if p.flags&bit == 0 {
		return nil
	}
	return &property{value: bit, name: name}
}

func (p *flagProperties) Broadcast() Property { return p.get(PropBroadcast, "Broadcast") }
func (p *flagProperties) Read() Property      { return p.get(PropRead, "Read") }
func (p *flagProperties) Write() Property     { return p.get(PropWrite, "Write") }
func (p *flagProperties) WriteWithoutResponse() Property {
	return p.get(PropWriteNR, "WriteWithoutResponse")
}
func (p *flagProperties) Notify() Property   { return p.get(PropNotify, "Notify") }
func (p *flagProperties) Indicate() Property { return p.get(PropIndicate, "Indicate") }
func (p *flagProperties) AuthenticatedSignedWrites() Property {
	return p.get(PropSignedWrite, "AuthenticatedSignedWrites")
}
func (p *flagProperties) ExtendedProperties() Property {
	return p.get(PropExtendedProps, "ExtendedProperties")
}

var propertyNames = map[string]int{
	"broadcast":      PropBroadcast,
	"read":           PropRead,
	"write-nr":       PropWriteNR,
	"write":          PropWrite,
	"notify":         PropNotify,
	"indicate":       PropIndicate,
	"signed-write":   PropSignedWrite,
	"extended-props": PropExtendedProps,
}

// ParseProperties converts a comma separated list such as "read,notify" into property bits.
// Unknown names are ignored.
func ParseProperties(s string) int {
	flags := 0
	for _, name := range strings.Split(s, ",") {
		flags |= propertyNames[strings.ToLower(strings.TrimSpace(name))]
	}
	return flags
}

// FormatProperties renders property bits as a comma separated list of known names.
func FormatProperties(p Properties) string {
	if p == nil {
		return ""
	}
	var names []string
	for _, prop := range []Property{
		p.Broadcast(), p.Read(), p.WriteWithoutResponse(), p.Write(),
		p.Notify(), p.Indicate(), p.AuthenticatedSignedWrites(), p.ExtendedProperties(),
	} {
		if prop != nil {
			names = append(names, prop.KnownName())
		}
	}
	return strings.Join(names, ",")
}
