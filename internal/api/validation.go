package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/xtrntr/papertrade/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their JSON names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	// Decimals validate as float64 so numeric tags like gt=0 apply
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	v.RegisterStructValidation(amountPlaces, tradeRequest{}, orderRequest{})
	return v
}

// amountPlaces rejects amounts the NUMERIC columns would have to round
func amountPlaces(sl validator.StructLevel) {
	switch req := sl.Current().Interface().(type) {
	case tradeRequest:
		checkPlaces(sl, req.BTCAmount, "btc_amount", "BTCAmount")
	case orderRequest:
		checkPlaces(sl, req.BTCAmount, "btc_amount", "BTCAmount")
		checkPlaces(sl, req.PriceUSD, "price_usd", "PriceUSD")
	}
}

func checkPlaces(sl validator.StructLevel, d decimal.Decimal, field, structField string) {
	if !models.FitsScale(d) {
		sl.ReportError(d.String(), field, structField, "places", strconv.Itoa(models.AmountPlaces))
	}
}

// FormatValidationError turns validator errors into readable messages
func FormatValidationError(err error) []string {
	var errs []string

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return []string{err.Error()}
	}
	for _, e := range validationErrors {
		field := e.Field()
		switch e.Tag() {
		case "required":
			errs = append(errs, fmt.Sprintf("%s is required", field))
		case "gt":
			errs = append(errs, fmt.Sprintf("%s must be greater than %s", field, e.Param()))
		case "max":
			errs = append(errs, fmt.Sprintf("%s must have maximum length %s", field, e.Param()))
		case "places":
			errs = append(errs, fmt.Sprintf("%s must have at most %s decimal places", field, e.Param()))
		case "oneof":
			errs = append(errs, fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(e.Param(), " ", ", ")))
		default:
			errs = append(errs, fmt.Sprintf("%s is invalid (%s)", field, e.Tag()))
		}
	}
	return errs
}

// decodeAndValidate decodes the JSON body into dst and validates it, writing
// a 400 response and returning false on failure.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, strings.Join(FormatValidationError(err), "; "))
		return false
	}
	return true
}
