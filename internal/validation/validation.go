/*
 * MIT License
 *
 * Copyright (c) 2023-2026 SiloGrid Authors
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 */

package validation

import (
	"errors"
	"fmt"
	"regexp"

	"go.uber.org/multierr"
)

// Validator is implemented by configuration values that can check themselves.
type Validator interface {
	Validate() error
}

// Chain runs a series of validators, either fail-fast or accumulating.
type Chain struct {
	failFast   bool
	validators []Validator
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// FailFast stops the chain at the first validation error.
func FailFast() ChainOption {
	return func(c *Chain) {
		c.failFast = true
	}
}

// AllErrors collects every validation error in the chain.
func AllErrors() ChainOption {
	return func(c *Chain) {
		c.failFast = false
	}
}

// New creates a validation Chain.
func New(opts ...ChainOption) *Chain {
	chain := &Chain{}
	for _, opt := range opts {
		opt(chain)
	}
	return chain
}

// AddValidator appends a validator to the chain.
func (c *Chain) AddValidator(v Validator) *Chain {
	c.validators = append(c.validators, v)
	return c
}

// AddAssertion appends a boolean assertion with its failure message.
func (c *Chain) AddAssertion(assertion bool, message string) *Chain {
	c.validators = append(c.validators, assertionValidator{assertion: assertion, message: message})
	return c
}

// Validate runs the chain.
func (c *Chain) Validate() error {
	var combined error
	for _, validator := range c.validators {
		if err := validator.Validate(); err != nil {
			if c.failFast {
				return err
			}
			combined = multierr.Append(combined, err)
		}
	}
	return combined
}

type assertionValidator struct {
	assertion bool
	message   string
}

func (a assertionValidator) Validate() error {
	if !a.assertion {
		return errors.New(a.message)
	}
	return nil
}

// EmptyStringValidator checks that a named field is non-empty.
type EmptyStringValidator struct {
	fieldName  string
	fieldValue string
}

// NewEmptyStringValidator creates an EmptyStringValidator.
func NewEmptyStringValidator(fieldName, fieldValue string) *EmptyStringValidator {
	return &EmptyStringValidator{fieldName: fieldName, fieldValue: fieldValue}
}

// Validate implements Validator.
func (v *EmptyStringValidator) Validate() error {
	if v.fieldValue == "" {
		return fmt.Errorf("the [%s] is required", v.fieldName)
	}
	return nil
}

// PatternValidator checks a value against a regular expression.
type PatternValidator struct {
	pattern    string
	fieldValue string
	customErr  error
}

// NewPatternValidator creates a PatternValidator. When customErr is non-nil it
// is returned verbatim on mismatch.
func NewPatternValidator(pattern, fieldValue string, customErr error) *PatternValidator {
	return &PatternValidator{pattern: pattern, fieldValue: fieldValue, customErr: customErr}
}

// Validate implements Validator.
func (v *PatternValidator) Validate() error {
	matched, err := regexp.MatchString(v.pattern, v.fieldValue)
	if err != nil {
		return err
	}
	if !matched {
		if v.customErr != nil {
			return v.customErr
		}
		return fmt.Errorf("value %q does not match pattern %q", v.fieldValue, v.pattern)
	}
	return nil
}
