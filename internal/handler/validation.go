package handler

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

func formatValidationErrors(err error) []string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, fmt.Sprintf("%s failed on %s", fe.Field(), fe.Tag()))
	}
	return out
}
