package firestore

import (
	"cloud.google.com/go/firestore"

	"github.com/striderace/server/pkg/types"
)

type Client struct {
	fs *firestore.Client
}

func NewClient(client *firestore.Client) *Client {
	return &Client{fs: client}
}

func (c *Client) Close() error {
	return c.fs.Close()
}

// Raw exposes the underlying client for transaction scopes.
func (c *Client) Raw() *firestore.Client {
	return c.fs
}

// Races is the top-level collection: races/{raceId}
func (c *Client) Races() *Collection[types.RaceRecord] {
	return &Collection[types.RaceRecord]{
		Ref:           c.fs.Collection("races"),
		ToFirestore:   RaceToFirestore,
		FromFirestore: FirestoreToRace,
	}
}

// Participants are sub-collections of Races: races/{raceId}/participants/{uid}
func (c *Client) Participants(raceID string) *Collection[types.RaceParticipant] {
	return &Collection[types.RaceParticipant]{
		Ref:           c.fs.Collection("races").Doc(raceID).Collection("participants"),
		ToFirestore:   ParticipantToFirestore,
		FromFirestore: FirestoreToParticipant,
	}
}

// RaceBaselines are sub-collections of Users: users/{uid}/race_baselines/{raceId}
func (c *Client) RaceBaselines(userID string) *Collection[types.RaceBaseline] {
	return &Collection[types.RaceBaseline]{
		Ref:           c.fs.Collection("users").Doc(userID).Collection("race_baselines"),
		ToFirestore:   RaceBaselineToFirestore,
		FromFirestore: FirestoreToRaceBaseline,
	}
}
