package request

import (
	"testing"

	"github.com/fhirforge/fhirforge/internal/platform/ferrors"
	"github.com/fhirforge/fhirforge/internal/platform/fhirmodel"
)

var testCatalog = fhirmodel.NewCatalog()

func patientBody() []byte {
	return []byte(`{"resourceType":"Patient","active":true}`)
}

func parametersBody() []byte {
	return []byte(`{"resourceType":"Parameters","parameter":[{"name":"x","valueString":"y"}]}`)
}

func transactionBundleBody(kind string) []byte {
	return []byte(`{"resourceType":"Bundle","type":"` + kind + `","entry":[]}`)
}

func TestParse_SearchSystem(t *testing.T) {
	req, err := Parse("GET", "/", nil, "", nil, testCatalog)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if req.Interaction != SearchSystem {
		t.Fatalf("Interaction = %v, want SearchSystem", req.Interaction)
	}
}

func TestParse_DeleteSystem(t *testing.T) {
	req, err := Parse("DELETE", "/", nil, "", nil, testCatalog)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if req.Interaction != DeleteSystem {
		t.Fatalf("Interaction = %v, want DeleteSystem", req.Interaction)
	}
}

func TestParse_Capabilities(t *testing.T) {
	req, err := Parse("GET", "/metadata", nil, "", nil, testCatalog)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if req.Interaction != Capabilities {
		t.Fatalf("Interaction = %v, want Capabilities", req.Interaction)
	}
}

func TestParse_HistorySystem(t *testing.T) {
	req, err := Parse("GET", "/_history", nil, "", nil, testCatalog)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if req.Interaction != HistorySystem {
		t.Fatalf("Interaction = %v, want HistorySystem", req.Interaction)
	}
}

func TestParse_SearchType(t *testing.T) {
	req, err := Parse("GET", "/Patient", map[string][]string{"name": {"Smith"}}, "", nil, testCatalog)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if req.Interaction != SearchType || req.ResourceType != "Patient" {
		t.Fatalf("req = %+v, want SearchType/Patient", req)
	}
}

func TestParse_Create(t *testing.T) {
	req, err := Parse("POST", "/Patient", nil, "application/fhir+json", patientBody(), testCatalog)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if req.Interaction != Create || req.Resource == nil {
		t.Fatalf("req = %+v, want Create with a Resource", req)
	}
}

func TestParse_Create_MissingBodyIsInvalid(t *testing.T) {
	_, err := Parse("POST", "/Patient", nil, "", nil, testCatalog)
	fe := ferrors.As(err)
	if fe == nil || fe.Kind != ferrors.KindInvalid {
		t.Fatalf("err = %v, want Invalid", err)
	}
}

func TestParse_ConditionalUpdate(t *testing.T) {
	req, err := Parse("PUT", "/Patient", map[string][]string{"identifier": {"123"}}, "", patientBody(), testCatalog)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if req.Interaction != ConditionalUpdate {
		t.Fatalf("Interaction = %v, want ConditionalUpdate", req.Interaction)
	}
}

func TestParse_DeleteType(t *testing.T) {
	req, err := Parse("DELETE", "/Patient", nil, "", nil, testCatalog)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if req.Interaction != DeleteType {
		t.Fatalf("Interaction = %v, want DeleteType", req.Interaction)
	}
}

func TestParse_InvokeSystem(t *testing.T) {
	req, err := Parse("POST", "/$everything", nil, "", parametersBody(), testCatalog)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if req.Interaction != InvokeSystem || req.OperationCode != "everything" {
		t.Fatalf("req = %+v, want InvokeSystem/everything", req)
	}
}

func TestParse_InvokeSystem_NoBodyDefaultsToEmptyParameters(t *testing.T) {
	req, err := Parse("POST", "/$everything", nil, "", nil, testCatalog)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if req.Parameters == nil {
		t.Fatalf("req.Parameters = nil, want an empty Parameters resource")
	}
}

func TestParse_Read(t *testing.T) {
	req, err := Parse("GET", "/Patient/pt-1", nil, "", nil, testCatalog)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if req.Interaction != Read || req.ResourceType != "Patient" || req.ResourceID != "pt-1" {
		t.Fatalf("req = %+v, want Read Patient/pt-1", req)
	}
}

func TestParse_UpdateInstance(t *testing.T) {
	req, err := Parse("PUT", "/Patient/pt-1", nil, "", patientBody(), testCatalog)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if req.Interaction != UpdateInstance || req.Resource == nil {
		t.Fatalf("req = %+v, want UpdateInstance with Resource", req)
	}
}

func TestParse_Patch(t *testing.T) {
	patchDoc := []byte(`[{"op":"replace","path":"/active","value":false}]`)
	req, err := Parse("PATCH", "/Patient/pt-1", nil, "application/json-patch+json", patchDoc, testCatalog)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if req.Interaction != Patch || string(req.PatchBody) != string(patchDoc) {
		t.Fatalf("req = %+v, want Patch carrying the raw patch document", req)
	}
}

func TestParse_DeleteInstance(t *testing.T) {
	req, err := Parse("DELETE", "/Patient/pt-1", nil, "", nil, testCatalog)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if req.Interaction != DeleteInstance {
		t.Fatalf("Interaction = %v, want DeleteInstance", req.Interaction)
	}
}

func TestParse_HistoryType(t *testing.T) {
	req, err := Parse("GET", "/Patient/_history", nil, "", nil, testCatalog)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if req.Interaction != HistoryType || req.ResourceType != "Patient" {
		t.Fatalf("req = %+v, want HistoryType/Patient", req)
	}
}

func TestParse_InvokeType(t *testing.T) {
	req, err := Parse("POST", "/Patient/$match", nil, "", parametersBody(), testCatalog)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if req.Interaction != InvokeType || req.OperationCode != "match" || req.ResourceType != "Patient" {
		t.Fatalf("req = %+v, want InvokeType/match on Patient", req)
	}
}

func TestParse_HistoryInstance(t *testing.T) {
	req, err := Parse("GET", "/Patient/pt-1/_history", nil, "", nil, testCatalog)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if req.Interaction != HistoryInstance || req.ResourceID != "pt-1" {
		t.Fatalf("req = %+v, want HistoryInstance/pt-1", req)
	}
}

func TestParse_InvokeInstance(t *testing.T) {
	req, err := Parse("POST", "/Patient/pt-1/$everything", nil, "", parametersBody(), testCatalog)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if req.Interaction != InvokeInstance || req.OperationCode != "everything" {
		t.Fatalf("req = %+v, want InvokeInstance/everything", req)
	}
}

func TestParse_VersionRead(t *testing.T) {
	req, err := Parse("GET", "/Patient/pt-1/_history/2", nil, "", nil, testCatalog)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if req.Interaction != VersionRead || req.VersionID != "2" {
		t.Fatalf("req = %+v, want VersionRead vid=2", req)
	}
}

func TestParse_TransactionBundle(t *testing.T) {
	req, err := Parse("POST", "/", nil, "", transactionBundleBody("transaction"), testCatalog)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if req.Interaction != Transaction || req.Bundle == nil {
		t.Fatalf("req = %+v, want Transaction with Bundle", req)
	}
}

func TestParse_BatchBundle(t *testing.T) {
	req, err := Parse("POST", "/", nil, "", transactionBundleBody("batch"), testCatalog)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if req.Interaction != Batch {
		t.Fatalf("Interaction = %v, want Batch", req.Interaction)
	}
}

func TestParse_BundleWithInvalidTypeIsInvalid(t *testing.T) {
	_, err := Parse("POST", "/", nil, "", transactionBundleBody("searchset"), testCatalog)
	fe := ferrors.As(err)
	if fe == nil || fe.Kind != ferrors.KindInvalid {
		t.Fatalf("err = %v, want Invalid", err)
	}
}

func TestParse_TooManySegmentsIsInvalid(t *testing.T) {
	_, err := Parse("GET", "/Patient/pt-1/_history/2/extra", nil, "", nil, testCatalog)
	fe := ferrors.As(err)
	if fe == nil || fe.Kind != ferrors.KindInvalid {
		t.Fatalf("err = %v, want Invalid", err)
	}
}

func TestParse_UnsupportedMethodAtRootIsInvalid(t *testing.T) {
	_, err := Parse("PATCH", "/", nil, "", nil, testCatalog)
	fe := ferrors.As(err)
	if fe == nil || fe.Kind != ferrors.KindInvalid {
		t.Fatalf("err = %v, want Invalid", err)
	}
}
