package service

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/shibukawa/cqlexec/markdownsource"
	"github.com/shibukawa/cqlexec/testdata"
	"github.com/shibukawa/cqlexec/testhelper"
)

func TestAcceptance(t *testing.T) {
	cases, err := testdata.AcceptanceCases()
	assert.NoError(t, err)
	assert.NotZero(t, len(cases))

	for _, tc := range cases {
		t.Run(tc.Name, func(t *testing.T) {
			doc, err := markdownsource.Parse(bytes.NewReader(tc.Document))
			assert.NoError(t, err)

			var bundles [][]byte
			if tc.Bundle != nil {
				bundles = append(bundles, tc.Bundle)
			}

			s := New(sqlConfig(),
				WithStore("local", testhelper.OpenStore(t, bundles...)),
				WithClock(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }))

			r, err := s.Evaluate(context.Background(), Request{
				Code:       doc.Source(true),
				PatientID:  doc.FrontMatter.Patient,
				Parameters: doc.FrontMatter.Parameters,
			})
			assert.NoError(t, err)

			testhelper.AssertReport(t, tc.Expected, r)
		})
	}
}
