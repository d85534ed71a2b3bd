/*
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

package storage

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Vector literals", func() {
	It("should round-trip an embedding", func() {
		literal := vectorLiteral([]float32{0.25, -1, 3.5})
		Expect(literal).To(Equal("[0.25,-1,3.5]"))
		parsed, err := parseVector(literal)
		Expect(err).ToNot(HaveOccurred())
		Expect(parsed).To(Equal([]float32{0.25, -1, 3.5}))
	})

	It("should render an empty embedding", func() {
		Expect(vectorLiteral(nil)).To(Equal("[]"))
		parsed, err := parseVector("[]")
		Expect(err).ToNot(HaveOccurred())
		Expect(parsed).To(BeEmpty())
	})

	It("should reject malformed literals", func() {
		_, err := parseVector("0.25,1")
		Expect(err).To(HaveOccurred())
	})
})
