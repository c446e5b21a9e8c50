package validator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

type orderRequest struct {
	PlanCode string `json:"planCode" validate:"required,plan_code"`
	Method   string `json:"method" validate:"required,payment_method"`
	Amount   int    `json:"amount" validate:"gt=0"`
}

func TestValidateCustomTags(t *testing.T) {
	ctx := WithPlanCodes(context.Background(), "day7", "day30")

	assert.Nil(t, ValidateCtx(ctx, orderRequest{PlanCode: "day7", Method: "card", Amount: 1}))

	errs := ValidateCtx(ctx, orderRequest{PlanCode: "year", Method: "cash", Amount: 0})
	assert.Equal(t, "Unknown plan code", errs["planCode"])
	assert.Contains(t, errs["method"], "Invalid payment method")
	assert.Contains(t, errs["amount"], "greater than")
}

func TestValidatePlanCodesArePerContext(t *testing.T) {
	short := WithPlanCodes(context.Background(), "day7")
	long := WithPlanCodes(context.Background(), "day30")
	req := orderRequest{PlanCode: "day30", Method: "paypal", Amount: 1}

	assert.Equal(t, "Unknown plan code", ValidateCtx(short, req)["planCode"])
	assert.Nil(t, ValidateCtx(long, req))
	assert.Equal(t, "Unknown plan code", Validate(req)["planCode"])
}

func TestValidateRequired(t *testing.T) {
	errs := Validate(orderRequest{Amount: 1})
	assert.Equal(t, "This field is required", errs["planCode"])
	assert.Equal(t, "This field is required", errs["method"])
}
