package controller

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ParseIntParam parses raw as an integer and checks it against validator tags such as "gt=0".
func ParseIntParam(raw, tag string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%q is not an integer", raw)
	}
	if tag == "" {
		return value, nil
	}
	if err := validate.Var(value, tag); err != nil {
		return 0, fmt.Errorf("%d does not satisfy %s", value, tag)
	}
	return value, nil
}
