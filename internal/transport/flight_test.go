package transport

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

func TestTicketRoundTrip(t *testing.T) {
	want := Ticket{Prompt: "hello world", MaxNewTokens: 8}
	raw, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got Ticket
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != want {
		t.Fatalf("round trip = %+v, want %+v", got, want)
	}
}

func TestBuildRecordSchemaAndValues(t *testing.T) {
	alloc := memory.NewGoAllocator()
	rec := buildRecord(alloc, 42, 3, 12.5)
	defer rec.Release()

	if rec.NumRows() != 1 {
		t.Fatalf("NumRows = %d, want 1", rec.NumRows())
	}
	if !rec.Schema().Equal(PredictionSchema) {
		t.Fatalf("record schema does not match PredictionSchema")
	}
}

func TestGetFlightInfoEchoesCmdAsTicket(t *testing.T) {
	s := NewFlightServer(nil)
	desc := &flight.FlightDescriptor{
		Type: flight.DescriptorCMD,
		Cmd:  []byte(`{"prompt":"hi","max_new_tokens":1}`),
	}

	info, err := s.GetFlightInfo(context.Background(), desc)
	if err != nil {
		t.Fatalf("GetFlightInfo: %v", err)
	}
	if len(info.Endpoint) != 1 {
		t.Fatalf("Endpoint count = %d, want 1", len(info.Endpoint))
	}
	if string(info.Endpoint[0].Ticket.Ticket) != string(desc.Cmd) {
		t.Fatalf("ticket = %q, want %q", info.Endpoint[0].Ticket.Ticket, desc.Cmd)
	}
}
