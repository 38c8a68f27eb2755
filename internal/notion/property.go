package notion

import (
	"encoding/json"
	"fmt"
)

// Property kinds understood by the normalizer. Anything else is preserved
// under TypeUnknown so new Notion property kinds survive a round trip
// without a code change.
const (
	TypeTitle          = "title"
	TypeRichText       = "rich_text"
	TypeSelect         = "select"
	TypeMultiSelect    = "multi_select"
	TypeStatus         = "status"
	TypeCheckbox       = "checkbox"
	TypeURL            = "url"
	TypeEmail          = "email"
	TypePhoneNumber    = "phone_number"
	TypeNumber         = "number"
	TypeDate           = "date"
	TypePeople         = "people"
	TypeFiles          = "files"
	TypeCreatedTime    = "created_time"
	TypeLastEditedTime = "last_edited_time"
	TypeCreatedBy      = "created_by"
	TypeLastEditedBy   = "last_edited_by"
	TypeRelation       = "relation"
	TypeRollup         = "rollup"
	TypeButton         = "button"
	TypeUniqueID       = "unique_id"
	TypeVerification   = "verification"
	TypeFormula        = "formula"
	TypeUnknown        = "unknown"
	TypeError          = "error"
)

// Property is the normalized form of one Notion page property. Value holds
// the kind's preferred scalar (or structured) extraction and Raw holds the
// kind's original payload, so nothing the webhook delivered is lost.
type Property struct {
	Type       string `json:"type"`
	Value      any    `json:"value"`
	End        any    `json:"end,omitempty"`
	Prefix     any    `json:"prefix,omitempty"`
	VerifiedBy any    `json:"verified_by,omitempty"`
	Date       any    `json:"date,omitempty"`
	Error      string `json:"error,omitempty"`
	Raw        any    `json:"raw"`
}

// PersonRef is the trimmed representation of a Notion user reference.
type PersonRef struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// FileRef is the trimmed representation of one attached file.
type FileRef struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
	Type string `json:"type,omitempty"`
}

type richTextSpan struct {
	PlainText string `json:"plain_text"`
}

type selectOption struct {
	Name string `json:"name"`
}

type userPayload struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
	Person    *struct {
		Email string `json:"email"`
	} `json:"person"`
}

type filePayload struct {
	Name string `json:"name"`
	Type string `json:"type"`
	File *struct {
		URL string `json:"url"`
	} `json:"file"`
	External *struct {
		URL string `json:"url"`
	} `json:"external"`
}

type datePayload struct {
	Start *string `json:"start"`
	End   *string `json:"end"`
}

// NormalizeProperties converts the open-ended, type-tagged property map of a
// Notion page into the closed Property representation. The second return
// value is the untouched raw payload per field. A field that fails to parse
// becomes a TypeError entry carrying the failure message; it never aborts
// normalization of the remaining fields.
func NormalizeProperties(raw map[string]json.RawMessage) (map[string]Property, map[string]json.RawMessage) {
	parsed := make(map[string]Property, len(raw))
	rawCopy := make(map[string]json.RawMessage, len(raw))
	for name, payload := range raw {
		rawCopy[name] = payload
		parsed[name] = normalizeProperty(payload)
	}
	return parsed, rawCopy
}

func normalizeProperty(payload json.RawMessage) Property {
	var generic any
	if err := json.Unmarshal(payload, &generic); err != nil {
		return errorProperty(string(payload), err)
	}
	field, ok := generic.(map[string]any)
	if !ok {
		// Not a tagged object; keep it whole rather than guessing.
		return Property{Type: TypeUnknown, Value: generic, Raw: generic}
	}
	tag, _ := field["type"].(string)
	if tag == "" {
		return Property{Type: TypeUnknown, Value: generic, Raw: generic}
	}

	prop, err := normalizeTagged(tag, payload, field)
	if err != nil {
		return errorProperty(generic, err)
	}
	return prop
}

func errorProperty(raw any, err error) Property {
	return Property{Type: TypeError, Value: nil, Error: err.Error(), Raw: raw}
}

func normalizeTagged(tag string, payload json.RawMessage, field map[string]any) (Property, error) {
	inner := field[tag]
	switch tag {
	case TypeTitle:
		var p struct {
			Title []richTextSpan `json:"title"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return Property{}, fmt.Errorf("decode title: %w", err)
		}
		return Property{Type: tag, Value: firstPlainText(p.Title), Raw: innerOrEmptyList(inner)}, nil
	case TypeRichText:
		var p struct {
			RichText []richTextSpan `json:"rich_text"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return Property{}, fmt.Errorf("decode rich_text: %w", err)
		}
		return Property{Type: tag, Value: firstPlainText(p.RichText), Raw: innerOrEmptyList(inner)}, nil
	case TypeSelect, TypeStatus:
		var p struct {
			Select *selectOption `json:"select"`
			Status *selectOption `json:"status"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return Property{}, fmt.Errorf("decode %s: %w", tag, err)
		}
		opt := p.Select
		if tag == TypeStatus {
			opt = p.Status
		}
		var value any
		if opt != nil && opt.Name != "" {
			value = opt.Name
		}
		return Property{Type: tag, Value: value, Raw: inner}, nil
	case TypeMultiSelect:
		var p struct {
			MultiSelect []selectOption `json:"multi_select"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return Property{}, fmt.Errorf("decode multi_select: %w", err)
		}
		names := make([]string, 0, len(p.MultiSelect))
		for _, opt := range p.MultiSelect {
			names = append(names, opt.Name)
		}
		return Property{Type: tag, Value: names, Raw: innerOrEmptyList(inner)}, nil
	case TypeCheckbox:
		var p struct {
			Checkbox bool `json:"checkbox"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return Property{}, fmt.Errorf("decode checkbox: %w", err)
		}
		return Property{Type: tag, Value: p.Checkbox, Raw: inner}, nil
	case TypeURL, TypeEmail, TypePhoneNumber:
		var p map[string]*string
		if err := json.Unmarshal(payload, &p); err != nil {
			return Property{}, fmt.Errorf("decode %s: %w", tag, err)
		}
		var value any
		if s := p[tag]; s != nil && *s != "" {
			value = *s
		}
		return Property{Type: tag, Value: value, Raw: inner}, nil
	case TypeNumber:
		var p struct {
			Number *float64 `json:"number"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return Property{}, fmt.Errorf("decode number: %w", err)
		}
		var value any
		if p.Number != nil {
			value = *p.Number
		}
		return Property{Type: tag, Value: value, Raw: inner}, nil
	case TypeDate:
		var p struct {
			Date *datePayload `json:"date"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return Property{}, fmt.Errorf("decode date: %w", err)
		}
		prop := Property{Type: tag, Raw: inner}
		if p.Date != nil {
			if p.Date.Start != nil {
				prop.Value = *p.Date.Start
			}
			if p.Date.End != nil {
				prop.End = *p.Date.End
			}
		}
		return prop, nil
	case TypePeople:
		var p struct {
			People []userPayload `json:"people"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return Property{}, fmt.Errorf("decode people: %w", err)
		}
		refs := make([]PersonRef, 0, len(p.People))
		for _, u := range p.People {
			refs = append(refs, personRef(u))
		}
		return Property{Type: tag, Value: refs, Raw: innerOrEmptyList(inner)}, nil
	case TypeFiles:
		var p struct {
			Files []filePayload `json:"files"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return Property{}, fmt.Errorf("decode files: %w", err)
		}
		refs := make([]FileRef, 0, len(p.Files))
		for _, f := range p.Files {
			ref := FileRef{Name: f.Name, Type: f.Type}
			if f.File != nil {
				ref.URL = f.File.URL
			} else if f.External != nil {
				ref.URL = f.External.URL
			}
			refs = append(refs, ref)
		}
		return Property{Type: tag, Value: refs, Raw: innerOrEmptyList(inner)}, nil
	case TypeCreatedTime, TypeLastEditedTime:
		var p map[string]any
		if err := json.Unmarshal(payload, &p); err != nil {
			return Property{}, fmt.Errorf("decode %s: %w", tag, err)
		}
		if _, ok := p[tag].(string); p[tag] != nil && !ok {
			return Property{}, fmt.Errorf("decode %s: expected timestamp string", tag)
		}
		return Property{Type: tag, Value: p[tag], Raw: inner}, nil
	case TypeCreatedBy, TypeLastEditedBy:
		var p map[string]userPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return Property{}, fmt.Errorf("decode %s: %w", tag, err)
		}
		return Property{Type: tag, Value: personRef(p[tag]), Raw: inner}, nil
	case TypeRelation:
		var p struct {
			Relation []struct {
				ID string `json:"id"`
			} `json:"relation"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return Property{}, fmt.Errorf("decode relation: %w", err)
		}
		ids := make([]string, 0, len(p.Relation))
		for _, rel := range p.Relation {
			ids = append(ids, rel.ID)
		}
		return Property{Type: tag, Value: ids, Raw: innerOrEmptyList(inner)}, nil
	case TypeRollup:
		rollup, _ := inner.(map[string]any)
		var value any
		if rollup != nil {
			switch {
			case rollup["array"] != nil:
				value = rollup["array"]
			case rollup["number"] != nil:
				value = rollup["number"]
			case rollup["date"] != nil:
				value = rollup["date"]
			}
		}
		return Property{Type: tag, Value: value, Raw: inner}, nil
	case TypeButton:
		// Buttons carry no payload; their presence is the signal.
		raw := inner
		if raw == nil {
			raw = map[string]any{}
		}
		return Property{Type: tag, Value: true, Raw: raw}, nil
	case TypeUniqueID:
		var p struct {
			UniqueID *struct {
				Number *float64 `json:"number"`
				Prefix *string  `json:"prefix"`
			} `json:"unique_id"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return Property{}, fmt.Errorf("decode unique_id: %w", err)
		}
		prop := Property{Type: tag, Raw: inner}
		if p.UniqueID != nil {
			if p.UniqueID.Number != nil {
				prop.Value = *p.UniqueID.Number
			}
			if p.UniqueID.Prefix != nil {
				prop.Prefix = *p.UniqueID.Prefix
			}
		}
		return prop, nil
	case TypeVerification:
		verification, _ := inner.(map[string]any)
		prop := Property{Type: tag, Raw: inner}
		if verification != nil {
			if state, ok := verification["state"].(string); ok && state != "" {
				prop.Value = state
			}
			prop.VerifiedBy = verification["verified_by"]
			prop.Date = verification["date"]
		}
		return prop, nil
	case TypeFormula:
		return normalizeFormula(payload, inner)
	default:
		// Unrecognized tag: Type stays inside the closed set; the declared
		// tag survives inside the retained field.
		return Property{Type: TypeUnknown, Value: field, Raw: field}, nil
	}
}

// normalizeFormula handles the polymorphic formula result shape: exactly one
// of string/number/boolean/date is populated depending on the formula's
// declared output.
func normalizeFormula(payload json.RawMessage, inner any) (Property, error) {
	var p struct {
		Formula *struct {
			String  *string  `json:"string"`
			Number  *float64 `json:"number"`
			Boolean *bool    `json:"boolean"`
			Date    *struct {
				Start *string `json:"start"`
			} `json:"date"`
		} `json:"formula"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return Property{}, fmt.Errorf("decode formula: %w", err)
	}
	prop := Property{Type: TypeFormula, Raw: inner}
	switch f := p.Formula; {
	case f == nil:
	case f.String != nil:
		prop.Value = *f.String
	case f.Number != nil:
		prop.Value = *f.Number
	case f.Boolean != nil:
		prop.Value = *f.Boolean
	case f.Date != nil && f.Date.Start != nil:
		prop.Value = *f.Date.Start
	default:
		prop.Value = inner
	}
	return prop, nil
}

func personRef(u userPayload) PersonRef {
	ref := PersonRef{ID: u.ID, Name: u.Name, AvatarURL: u.AvatarURL}
	if u.Person != nil {
		ref.Email = u.Person.Email
	}
	return ref
}

func firstPlainText(spans []richTextSpan) string {
	if len(spans) == 0 {
		return ""
	}
	return spans[0].PlainText
}

func innerOrEmptyList(inner any) any {
	if inner == nil {
		return []any{}
	}
	return inner
}
