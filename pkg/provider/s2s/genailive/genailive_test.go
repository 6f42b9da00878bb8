package genailive_test

import (
	"testing"

	"google.golang.org/genai"

	"github.com/MrWong99/tutorcall/pkg/provider/s2s"
	"github.com/MrWong99/tutorcall/pkg/provider/s2s/genailive"
)

func TestLiveConfig(t *testing.T) {
	t.Parallel()
	lc := genailive.LiveConfig(s2s.SessionConfig{
		Voice:        s2s.VoiceProfile{ID: "Puck"},
		Instructions: "speak Spanish",
		Transcripts:  true,
	})
	if len(lc.ResponseModalities) != 1 || lc.ResponseModalities[0] != genai.ModalityAudio {
		t.Errorf("ResponseModalities = %v", lc.ResponseModalities)
	}
	if lc.SpeechConfig == nil || lc.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Puck" {
		t.Errorf("SpeechConfig = %+v", lc.SpeechConfig)
	}
	if lc.SystemInstruction == nil || lc.SystemInstruction.Parts[0].Text != "speak Spanish" {
		t.Errorf("SystemInstruction = %+v", lc.SystemInstruction)
	}
	if lc.InputAudioTranscription == nil || lc.OutputAudioTranscription == nil {
		t.Error("transcription not requested")
	}
}

func TestLiveConfig_NoVoiceNoInstructions(t *testing.T) {
	t.Parallel()
	lc := genailive.LiveConfig(s2s.SessionConfig{})
	if lc.SpeechConfig != nil || lc.SystemInstruction != nil || lc.InputAudioTranscription != nil {
		t.Errorf("unexpected optional fields: %+v", lc)
	}
}

func TestTranslate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		msg  *genai.LiveServerMessage
		want []s2s.EventType
	}{
		{name: "nil", msg: nil},
		{
			name: "setup complete",
			msg:  &genai.LiveServerMessage{SetupComplete: &genai.LiveServerSetupComplete{}},
			want: []s2s.EventType{s2s.EventOpened},
		},
		{
			name: "audio parts in order then turn complete",
			msg: &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
				ModelTurn: &genai.Content{Parts: []*genai.Part{
					{InlineData: &genai.Blob{Data: []byte{1, 0}}},
					{Text: "ignored"},
					{InlineData: &genai.Blob{Data: []byte{2, 0}, MIMEType: "audio/pcm;rate=24000"}},
				}},
				TurnComplete: true,
			}},
			want: []s2s.EventType{s2s.EventAudio, s2s.EventAudio, s2s.EventTurnComplete},
		},
		{
			name: "interrupted",
			msg:  &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{Interrupted: true}},
			want: []s2s.EventType{s2s.EventInterrupted},
		},
		{
			name: "transcripts",
			msg: &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
				InputTranscription:  &genai.Transcription{Text: "hola"},
				OutputTranscription: &genai.Transcription{Text: "¡hola!"},
			}},
			want: []s2s.EventType{s2s.EventTranscript, s2s.EventTranscript},
		},
		{
			name: "empty audio part dropped",
			msg: &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
				ModelTurn: &genai.Content{Parts: []*genai.Part{{InlineData: &genai.Blob{}}}},
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := genailive.Translate(tt.msg, "audio/pcm;rate=24000")
			if len(got) != len(tt.want) {
				t.Fatalf("got %d events %+v, want %v", len(got), got, tt.want)
			}
			for i, ev := range got {
				if ev.Type != tt.want[i] {
					t.Errorf("event[%d] = %v, want %v", i, ev.Type, tt.want[i])
				}
				if ev.Type == s2s.EventAudio && ev.MIMEType != "audio/pcm;rate=24000" {
					t.Errorf("event[%d] MIMEType = %q", i, ev.MIMEType)
				}
			}
		})
	}
}

func TestTranslate_AudioOrderAndRoles(t *testing.T) {
	t.Parallel()
	evs := genailive.Translate(&genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
		ModelTurn: &genai.Content{Parts: []*genai.Part{
			{InlineData: &genai.Blob{Data: []byte{1, 0}}},
			{InlineData: &genai.Blob{Data: []byte{2, 0}}},
		}},
		InputTranscription: &genai.Transcription{Text: "hi"},
	}}, "audio/pcm;rate=24000")
	if len(evs) != 3 {
		t.Fatalf("got %d events", len(evs))
	}
	if evs[0].Audio[0] != 1 || evs[1].Audio[0] != 2 {
		t.Errorf("audio order = %v, %v", evs[0].Audio, evs[1].Audio)
	}
	if evs[2].Role != "user" || evs[2].Text != "hi" {
		t.Errorf("transcript = %+v", evs[2])
	}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()
	caps := genailive.New("key").Capabilities()
	if len(caps.Voices) == 0 {
		t.Fatal("no voices")
	}
	for _, v := range caps.Voices {
		if v.Provider != "genai" {
			t.Errorf("voice %s provider = %q", v.ID, v.Provider)
		}
	}
}
