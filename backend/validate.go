package backend

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()

	validate.RegisterValidation("caldate", func(fl validator.FieldLevel) bool {
		_, err := time.Parse(DateLayout, fl.Field().String())
		return err == nil
	})
	validate.RegisterValidation("caltime", func(fl validator.FieldLevel) bool {
		_, err := time.Parse(TimeLayout, fl.Field().String())
		return err == nil
	})
}

// Validate checks field formats and the logical consistency of the span.
func (p EntryPayload) Validate() error {
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed '%s'", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid entry: %s", strings.Join(msgs, ", "))
		}
		return fmt.Errorf("invalid entry: %w", err)
	}

	start, end, err := p.Dates()
	if err != nil {
		return err
	}
	if end.Before(start) {
		return fmt.Errorf("end date (%s) cannot be before start date (%s)", p.EndDate, p.StartDate)
	}
	if p.StartTime != "" && p.EndTime != "" && !p.MultiDay && p.EndTime < p.StartTime {
		return fmt.Errorf("end time (%s) cannot be before start time (%s)", p.EndTime, p.StartTime)
	}
	return nil
}
