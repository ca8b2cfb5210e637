package prediction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNoNarrator is returned when narrative generation is not configured.
var ErrNoNarrator = errors.New("no narrative provider configured")

// Narrative is the structured form of the three generated texts. Each value
// maps a section heading to either a plain string or a map of bullet items.
type Narrative struct {
	Summary          map[string]any `json:"summary"`
	CarePlan         map[string]any `json:"care_plan"`
	AdditionalFields map[string]any `json:"additional_fields"`
}

// PatientContext is the clinical background a narrative is written from.
type PatientContext struct {
	SubjectID   int64
	Admission   *AdmissionInfo
	Diagnoses   []Diagnosis
	Medications []Medication
	ICUStay     *ICUStay
}

type AdmissionInfo struct {
	AdmitTime         time.Time
	DischTime         *time.Time
	AdmissionType     string
	DischargeLocation string
	Insurance         string
}

type Diagnosis struct {
	ICDCode string
	Title   string
}

type Medication struct {
	Drug  string
	Dose  string
	Unit  string
	Route string
}

type ICUStay struct {
	InTime  time.Time
	OutTime *time.Time
	LOS     float64
}

// Narrator writes the summary, care plan and additional risk fields for a patient.
type Narrator interface {
	Narrate(ctx context.Context, pc PatientContext) (*Narrative, error)
}

const maxListedItems = 5

// Format renders the context as the compact text block given to the model.
func (pc PatientContext) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %d\n", pc.SubjectID)
	if a := pc.Admission; a != nil {
		fmt.Fprintf(&b, "Admission: %s, type %s, insurance %s", a.AdmitTime.Format(time.DateOnly), a.AdmissionType, a.Insurance)
		if a.DischTime != nil {
			fmt.Fprintf(&b, ", discharged %s to %s", a.DischTime.Format(time.DateOnly), a.DischargeLocation)
		}
		b.WriteString("\n")
	}
	if len(pc.Diagnoses) > 0 {
		items := make([]string, 0, len(pc.Diagnoses))
		for _, d := range pc.Diagnoses {
			items = append(items, d.ICDCode+": "+d.Title)
		}
		b.WriteString("Diagnoses: " + strings.Join(items, "; ") + "\n")
	}
	if len(pc.Medications) > 0 {
		var items []string
		for i, m := range pc.Medications {
			if i == maxListedItems {
				break
			}
			items = append(items, strings.Join(strings.Fields(strings.Join([]string{m.Drug, m.Dose, m.Unit, m.Route}, " ")), " "))
		}
		b.WriteString("Medications: " + strings.Join(items, "; ") + "\n")
	}
	if s := pc.ICUStay; s != nil {
		fmt.Fprintf(&b, "ICU Stay: in %s, LOS %.2f days\n", s.InTime.Format(time.DateOnly), s.LOS)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Prompts returns the three instructions keyed by narrative section.
func (pc PatientContext) Prompts() map[string]string {
	data := pc.Format()
	return map[string]string{
		"summary": "Based on the patient data provided, generate a detailed summary and analysis.\nPatient Data:\n" + data +
			"\n\nProvide an overview of the patient's medical history, including key risk factors and any relevant insights.",
		"care_plan": "Based on the provided patient data, generate a personalized care plan.\nPatient Data:\n" + data +
			"\n\nProvide specific recommendations for care, including potential interventions, follow-ups, and monitoring.",
		"additional_fields": "Given the following patient data, identify additional fields or factors that should be considered for a comprehensive risk analysis:\nPatient Data:\n" + data +
			"\n\nProvide a list of additional fields or factors along with their potential impact on the patient's risk analysis.",
	}
}

// ParseSections turns model output into sections. A line wrapped in ** opens
// a section. Inside a section, lines starting with * are bullet keys and the
// lines after a bullet form its value; a section without bullets becomes one
// joined string. Text with no heading at all is kept under "text".
func ParseSections(text string) map[string]any {
	out := map[string]any{}
	var (
		current string
		open    bool
		content []string
		loose   []string
	)

	flush := func() {
		if open {
			out[current] = parseSectionContent(content)
		}
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) > 4 && strings.HasPrefix(line, "**") && strings.HasSuffix(line, "**") {
			flush()
			current = strings.TrimSpace(strings.Trim(line, "*"))
			open = true
			content = nil
			continue
		}
		if open {
			content = append(content, line)
		} else {
			loose = append(loose, line)
		}
	}
	flush()

	if !open && len(loose) > 0 {
		out["text"] = strings.Join(loose, " ")
	}
	return out
}

func parseSectionContent(lines []string) any {
	if len(lines) == 0 {
		return ""
	}

	bulleted := false
	for _, l := range lines {
		if strings.HasPrefix(l, "*") {
			bulleted = true
			break
		}
	}
	if !bulleted {
		return strings.Join(lines, " ")
	}

	items := map[string]string{}
	var (
		key  string
		have bool
		val  []string
	)
	for _, l := range lines {
		if strings.HasPrefix(l, "*") {
			if have {
				items[key] = strings.Join(val, " ")
			}
			key = strings.TrimSpace(strings.TrimLeft(l, "*"))
			have = true
			val = nil
			continue
		}
		if have {
			val = append(val, l)
		}
	}
	if have {
		items[key] = strings.Join(val, " ")
	}
	return items
}
