package jobs

import "encoding/json"

// Result is the structured payload returned by the inference engine and
// persisted on a completed job. The validate tags are checked before the result
// is accepted.
type Result struct {
	InferenceInformation InferenceInformation `json:"inference_information"`
	InferenceResults     []ResultEntry        `json:"inference_results" validate:"required,dive"`

	// Raw is the engine's body as received. When set it is what gets stored,
	// so fields this struct does not model survive.
	Raw json.RawMessage `json:"-"`
}

type InferenceInformation struct {
	CO2EmissionsKg    *float64 `json:"CO2_emissions_kg" validate:"required"`
	ConsumedEnergyKWh *float64 `json:"consumed_energy_kWh" validate:"required"`
	DatasetID         *int64   `json:"dataset_id" validate:"required"`
	InferenceTimeS    *float64 `json:"inference_time_s" validate:"required"`
}

// ResultEntry describes one processed file. Images carry Objects, videos carry
// Frames; at least one of the two is present. An empty list counts as present:
// an image with no detections has "objects": [].
type ResultEntry struct {
	Filename string   `json:"filename" validate:"required"`
	Type     string   `json:"type" validate:"required,oneof=image video"`
	Objects  []Object `json:"objects" validate:"required_without=Frames,dive"`
	Frames   []Frame  `json:"frames" validate:"required_without=Objects,dive"`
}

// MarshalJSON writes objects and frames only when they were present, keeping
// an empty but present list as [].
func (e ResultEntry) MarshalJSON() ([]byte, error) {
	type wire struct {
		Filename string    `json:"filename"`
		Type     string    `json:"type"`
		Objects  *[]Object `json:"objects,omitempty"`
		Frames   *[]Frame  `json:"frames,omitempty"`
	}
	w := wire{Filename: e.Filename, Type: e.Type}
	if e.Objects != nil {
		w.Objects = &e.Objects
	}
	if e.Frames != nil {
		w.Frames = &e.Frames
	}
	return json.Marshal(w)
}

type Frame struct {
	FrameNumber *int     `json:"frame_number" validate:"required,min=0"`
	Time        *float64 `json:"time" validate:"required,min=0"`
	Objects     []Object `json:"objects" validate:"required,dive"`
}

type Object struct {
	Box        Box      `json:"box"`
	Class      *int     `json:"class" validate:"required,min=0"`
	Confidence *float64 `json:"confidence" validate:"required,min=0,max=1"`
	Name       string   `json:"name" validate:"required"`
}

type Box struct {
	X1 *float64 `json:"x1" validate:"required"`
	Y1 *float64 `json:"y1" validate:"required"`
	X2 *float64 `json:"x2" validate:"required"`
	Y2 *float64 `json:"y2" validate:"required"`
}
