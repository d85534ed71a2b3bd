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

package conversion_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/shardstream/shardstream/pkg/conversion"
	"github.com/shardstream/shardstream/pkg/providers/framework"
)

var _ = Describe("Transforms", func() {
	convert := func(raw string, transforms ...conversion.Transform) interface{} {
		GinkgoHelper()
		engine := conversion.NewEngine(nil)
		out, err := engine.Convert(context.Background(), &conversion.Schema{
			ID:         "s",
			TenantID:   "t1",
			ProviderID: "p",
			Entity:     "E",
			ShardType:  "c_contact",
			Mappings: []conversion.FieldMapping{
				{Target: "out", Kind: conversion.KindTransform, Source: "in", Transforms: transforms},
			},
		}, framework.Record{ExternalID: "x1", Fields: []byte(raw)})
		Expect(err).ToNot(HaveOccurred())
		return out.Structured["out"]
	}

	DescribeTable("string transforms",
		func(raw string, transform conversion.Transform, expected interface{}) {
			Expect(convert(raw, transform)).To(Equal(expected))
		},
		Entry("uppercase", `{"in":"acme"}`, conversion.Transform{Op: conversion.OpUppercase}, "ACME"),
		Entry("lowercase", `{"in":"ACME"}`, conversion.Transform{Op: conversion.OpLowercase}, "acme"),
		Entry("trim", `{"in":"  acme  "}`, conversion.Transform{Op: conversion.OpTrim}, "acme"),
		Entry("truncate", `{"in":"acme corp"}`, conversion.Transform{Op: conversion.OpTruncate, Length: 4}, "acme"),
		Entry("replace", `{"in":"a-b-c"}`,
			conversion.Transform{Op: conversion.OpReplace, Pattern: "-", Replacement: "."}, "a.b.c"),
		Entry("regex-replace", `{"in":"order #1234"}`,
			conversion.Transform{Op: conversion.OpRegexReplace, Pattern: `#\d+`, Replacement: "#redacted"}, "order #redacted"),
		Entry("concat", `{"in":"acme"}`, conversion.Transform{Op: conversion.OpConcat, Value: ".com"}, "acme.com"),
		Entry("format-date", `{"in":"2026-08-01T10:30:00Z"}`,
			conversion.Transform{Op: conversion.OpFormatDate, Layout: "2006-01-02"}, "2026-08-01"),
	)

	DescribeTable("numeric transforms",
		func(raw string, transform conversion.Transform, expected float64) {
			Expect(convert(raw, transform)).To(Equal(expected))
		},
		Entry("round", `{"in":3.14159}`, conversion.Transform{Op: conversion.OpRound, Precision: 2}, 3.14),
		Entry("multiply", `{"in":10}`, conversion.Transform{Op: conversion.OpMultiply, Factor: 3}, 30.0),
		Entry("divide", `{"in":10}`, conversion.Transform{Op: conversion.OpDivide, Factor: 4}, 2.5),
		Entry("to-number from string", `{"in":"12.5"}`, conversion.Transform{Op: conversion.OpToNumber}, 12.5),
		Entry("currency-convert rounds to cents", `{"in":99.99}`,
			conversion.Transform{Op: conversion.OpCurrencyConvert, Factor: 0.9173}, 91.72),
	)

	It("should split into an array", func() {
		Expect(convert(`{"in":"a,b,c"}`, conversion.Transform{Op: conversion.OpSplit, Separator: ","})).
			To(Equal([]interface{}{"a", "b", "c"}))
	})

	It("should coerce truthy strings to bool", func() {
		Expect(convert(`{"in":"true"}`, conversion.Transform{Op: conversion.OpToBool})).To(BeTrue())
	})

	It("should wrap scalars with to-array", func() {
		Expect(convert(`{"in":"solo"}`, conversion.Transform{Op: conversion.OpToArray})).
			To(Equal([]interface{}{"solo"}))
	})

	It("should chain parse and add-days", func() {
		value := convert(`{"in":"2026-08-01"}`,
			conversion.Transform{Op: conversion.OpParseDate, Layout: "2006-01-02"},
			conversion.Transform{Op: conversion.OpAddDays, Days: 30},
			conversion.Transform{Op: conversion.OpFormatDate, Layout: "2006-01-02"})
		Expect(value).To(Equal("2026-08-31"))
	})

	It("should pass nil through a chain untouched", func() {
		Expect(convert(`{}`, conversion.Transform{Op: conversion.OpUppercase})).To(BeNil())
	})
})
