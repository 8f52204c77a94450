package patient

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Verdict bands, ordered by BMI.
const (
	VerdictUnderweight = "underweight"
	VerdictNormal      = "normal"
	VerdictOverweight  = "overweight"
	VerdictObese       = "obese"
)

// Record is the persisted value for one patient. The id is the collection
// key and is never stored inside the value; bmi and verdict are derived.
type Record struct {
	Name   string  `json:"name"`
	City   string  `json:"city"`
	Age    int     `json:"age"`
	Gender string  `json:"gender"`
	Height float64 `json:"height"` // meters
	Weight float64 `json:"weight"` // kilograms
}

// Patient is a validated record together with its id.
type Patient struct {
	ID string `json:"id"`
	Record
}

// View is a record as served to clients, with derived fields filled in.
type View struct {
	Record
	BMI     float64 `json:"bmi"`
	Verdict string  `json:"verdict"`
}

// View derives bmi and verdict from the stored measurements.
func (r Record) View() View {
	bmi := BMI(r.Height, r.Weight)
	return View{Record: r, BMI: bmi, Verdict: Classify(bmi)}
}

// BMI returns weight / height² rounded to two decimals, half away from zero.
// The quotient is first normalised to nine decimals so that binary
// representation error cannot decide the tie: 56 / 1.6² evaluates to
// 21.874999999999996 in float64 and must round to 21.88.
func BMI(height, weight float64) float64 {
	raw := weight / (height * height)
	if math.IsInf(raw, 0) || math.IsNaN(raw) {
		return raw
	}
	normalized, err := strconv.ParseFloat(strconv.FormatFloat(raw, 'f', 9, 64), 64)
	if err != nil {
		normalized = raw
	}
	return math.Round(normalized*100) / 100
}

// Classify maps a BMI onto its verdict band. Boundary values belong to the
// upper band.
func Classify(bmi float64) string {
	switch {
	case bmi < 18.5:
		return VerdictUnderweight
	case bmi < 25:
		return VerdictNormal
	case bmi < 30:
		return VerdictOverweight
	default:
		return VerdictObese
	}
}

// PatientInput is a decoded create request. Pointers keep an absent field
// distinguishable from a zero value.
type PatientInput struct {
	ID     *string  `json:"id" validate:"required,notblank"`
	Name   *string  `json:"name" validate:"required,notblank"`
	City   *string  `json:"city" validate:"required,notblank"`
	Age    *int     `json:"age" validate:"required"`
	Gender *string  `json:"gender" validate:"required,notblank"`
	Height *float64 `json:"height" validate:"required,gt=0"`
	Weight *float64 `json:"weight" validate:"required,gt=0"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	err := v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	if err != nil {
		panic(fmt.Sprintf("patient: register notblank validation: %v", err))
	}
	return v
}

// DecodeInput reads a JSON create request. Keys are matched exactly, so
// "ID" or "Name" do not stand in for "id" and "name". The body must hold a
// single JSON object. Syntax errors and type mismatches are reported as a
// *ValidationError so the caller sees field-level detail.
func DecodeInput(r io.Reader) (PatientInput, error) {
	var (
		in  PatientInput
		raw map[string]json.RawMessage
	)
	dec := json.NewDecoder(r)
	if err := dec.Decode(&raw); err != nil {
		return in, decodeError(err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		var typeErr *json.UnmarshalTypeError
		if err != nil && !isSyntaxError(err) && !errors.As(err, &typeErr) {
			return in, fmt.Errorf("read patient body: %w", err)
		}
		return in, &ValidationError{Fields: []FieldError{{Field: "body", Message: "invalid JSON: trailing data"}}}
	}

	targets := []struct {
		name string
		dst  interface{}
	}{
		{"id", &in.ID},
		{"name", &in.Name},
		{"city", &in.City},
		{"age", &in.Age},
		{"gender", &in.Gender},
		{"height", &in.Height},
		{"weight", &in.Weight},
	}
	var fields []FieldError
	for _, t := range targets {
		v, ok := raw[t.name]
		if !ok {
			continue
		}
		if err := json.Unmarshal(v, t.dst); err != nil {
			msg := "has the wrong type"
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &typeErr) {
				msg = typeMessage(typeErr.Type.Kind())
			}
			fields = append(fields, FieldError{Field: t.name, Message: msg})
		}
	}
	if len(fields) > 0 {
		return in, &ValidationError{Fields: fields}
	}
	return in, nil
}

func decodeError(err error) error {
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &typeErr):
		return &ValidationError{Fields: []FieldError{{Field: "body", Message: "must be a JSON object"}}}
	case isSyntaxError(err):
		return &ValidationError{Fields: []FieldError{{Field: "body", Message: "invalid JSON: " + err.Error()}}}
	case errors.Is(err, io.EOF):
		return &ValidationError{Fields: []FieldError{{Field: "body", Message: "field required"}}}
	default:
		// Read failures such as an exceeded body limit pass through.
		return fmt.Errorf("read patient body: %w", err)
	}
}

func isSyntaxError(err error) bool {
	var syntaxErr *json.SyntaxError
	return errors.As(err, &syntaxErr) || errors.Is(err, io.ErrUnexpectedEOF)
}

func typeMessage(k reflect.Kind) string {
	switch k {
	case reflect.Int, reflect.Int64, reflect.Int32:
		return "must be an integer"
	case reflect.Float64, reflect.Float32:
		return "must be a number"
	case reflect.String:
		return "must be a string"
	default:
		return "has the wrong type"
	}
}

// NewPatient validates the input and returns the patient it describes.
func NewPatient(in PatientInput) (*Patient, error) {
	if err := validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return nil, fmt.Errorf("validate patient: %w", err)
		}
		fields := make([]FieldError, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, FieldError{Field: fe.Field(), Message: ruleMessage(fe)})
		}
		return nil, &ValidationError{Fields: fields}
	}

	p := &Patient{
		ID: *in.ID,
		Record: Record{
			Name:   *in.Name,
			City:   *in.City,
			Age:    *in.Age,
			Gender: *in.Gender,
			Height: *in.Height,
			Weight: *in.Weight,
		},
	}

	// Positive but extreme measurements can still overflow the quotient.
	if bmi := BMI(p.Height, p.Weight); math.IsInf(bmi, 0) || math.IsNaN(bmi) {
		return nil, &ValidationError{Fields: []FieldError{{Field: "height", Message: "is too small to derive a BMI"}}}
	}
	return p, nil
}

func ruleMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "field required"
	case "notblank":
		return "must not be blank"
	case "gt":
		return "must be greater than " + fe.Param()
	default:
		return "failed " + fe.Tag() + " validation"
	}
}
