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
	"errors"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/vllm-project/fleet-controlplane/internal/apierrors"
)

func TestValidateUID(t *testing.T) {
	g := NewWithT(t)

	g.Expect(ValidateUID("qwen-7b")).To(Succeed())
	g.Expect(ValidateUID("a")).To(Succeed())

	err := ValidateUID("Qwen/Qwen2.5-7B")
	g.Expect(err).To(HaveOccurred())
	g.Expect(errors.Is(err, apierrors.ErrInvalid)).To(BeTrue())

	err = ValidateUID("-leading-dash")
	g.Expect(errors.Is(err, apierrors.ErrInvalid)).To(BeTrue())
}

func TestCreateModelRequestValidate(t *testing.T) {
	g := NewWithT(t)

	valid := CreateModelRequest{
		ModelName:  "Qwen/Qwen2.5-7B",
		Source:     SourceHuggingFace,
		EngineType: "vllm",
		Replicas:   1,
	}
	g.Expect(valid.Validate()).To(Succeed())

	missingPath := valid
	missingPath.Source = SourceLocal
	err := missingPath.Validate()
	g.Expect(errors.Is(err, apierrors.ErrInvalid)).To(BeTrue())

	withPath := missingPath
	withPath.ModelPath = "/mnt/models/qwen"
	g.Expect(withPath.Validate()).To(Succeed())

	badSource := valid
	badSource.Source = "s3"
	g.Expect(badSource.Validate()).To(HaveOccurred())

	negativeReplicas := valid
	negativeReplicas.Replicas = -1
	g.Expect(negativeReplicas.Validate()).To(HaveOccurred())

	badUID := valid
	badUID.UID = "UPPER_CASE"
	g.Expect(badUID.Validate()).To(HaveOccurred())
}
