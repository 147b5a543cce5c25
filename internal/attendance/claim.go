package attendance

import "classattend/internal/model"

// Mode is how the submitting student was identified.
type Mode string

const (
	// ModeVerify checks a claimed student id against its enrolled face.
	ModeVerify Mode = "verify"
	// ModeIdentify searches the enrolled faces for the submitted one.
	ModeIdentify Mode = "identify"
)

// Claim is what a student device submits for a session.
type Claim struct {
	StudentID string            `json:"student_id" validate:"omitempty,max=64"`
	Location  model.Coordinates `json:"location"`
	Network   string            `json:"network" validate:"max=128"`
	Biometric *BiometricPayload `json:"biometric,omitempty"`
}

// BiometricPayload carries a face embedding, a photo reference or both. A
// photo without an embedding is sent to the face service for extraction.
type BiometricPayload struct {
	Embedding []float64 `json:"embedding,omitempty" validate:"max=4096"`
	Photo     string    `json:"photo,omitempty"`
}

func (c Claim) probe() []float64 {
	if c.Biometric == nil {
		return nil
	}
	return c.Biometric.Embedding
}

func (c Claim) photo() string {
	if c.Biometric == nil {
		return ""
	}
	return c.Biometric.Photo
}

// Flags are the per-signal outcomes of an accepted submission.
type Flags struct {
	Geo       bool `json:"geo"`
	Network   bool `json:"network"`
	Biometric bool `json:"biometric"`
}

// Map returns the flags keyed by signal name.
func (f Flags) Map() map[string]bool {
	return map[string]bool{
		"geo":       f.Geo,
		"network":   f.Network,
		"biometric": f.Biometric,
	}
}

// Result describes an accepted submission.
type Result struct {
	Record         model.AttendanceRecord `json:"record"`
	Flags          Flags                  `json:"flags"`
	DistanceMeters float64                `json:"distance_meters"`
	Mode           Mode                   `json:"mode"`
}
