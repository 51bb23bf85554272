/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package model

import (
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"

	"github.com/vllm-project/fleet-controlplane/internal/apierrors"
)

// uidPattern enforces invariant 1 from spec.md §3: uid and template id
// never change after creation and must match this shape. Checked at API
// ingress only, never at storage time.
var uidPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("fleetuid", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if s == "" {
			return true // optional uid: empty means "generate one"
		}
		return uidPattern.MatchString(s)
	})
	return v
}

// ValidateUID reports apierrors.ErrInvalid if uid does not match the
// required shape.
func ValidateUID(uid string) error {
	if !uidPattern.MatchString(uid) {
		return fmt.Errorf("%w: uid %q must match %s", apierrors.ErrInvalid, uid, uidPattern.String())
	}
	return nil
}

// CreateModelRequest is the payload for the Model CRUD "create" operation
// in spec.md §6. Struct tags enforce the uid shape, the source enum, and
// the "model_path required if source=local" rule at this one boundary.
type CreateModelRequest struct {
	ModelName    string            `json:"model_name" validate:"required"`
	UID          string            `json:"uid,omitempty" validate:"fleetuid"`
	Source       Source            `json:"source" validate:"required,oneof=huggingface modelscope local"`
	ModelPath    string            `json:"model_path,omitempty" validate:"required_if=Source local"`
	EngineType   string            `json:"engine_type" validate:"required"`
	DockerImage  string            `json:"docker_image,omitempty"`
	Config       EngineConfig      `json:"config"`
	Labels       map[string]string `json:"labels,omitempty"`
	AutoStart    bool              `json:"auto_start,omitempty"`
	Replicas     int               `json:"replicas" validate:"gte=0"`
	NodeAffinity string            `json:"node_affinity,omitempty"`
	GPUAffinity  []int             `json:"gpu_affinity,omitempty"`
}

// Validate runs struct-tag validation and wraps any failure in
// apierrors.ErrInvalid so callers can test with errors.Is.
func (r CreateModelRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", apierrors.ErrInvalid, err)
	}
	return nil
}

// UpdateTemplateRequest is the payload shared by Template create/update.
type UpdateTemplateRequest struct {
	ID          string       `json:"id" validate:"fleetuid"`
	Name        string       `json:"name" validate:"required"`
	EngineType  string       `json:"engine_type" validate:"required"`
	DockerImage string       `json:"docker_image,omitempty"`
	Config      EngineConfig `json:"config"`
	Replicas    int          `json:"replicas" validate:"gte=0"`
}

// Validate runs struct-tag validation on a template request.
func (r UpdateTemplateRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", apierrors.ErrInvalid, err)
	}
	return nil
}
