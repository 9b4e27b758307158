package db

import (
	"database/sql"
	"encoding/json"
	"time"
)

// GetProfileValue reads a static profile key (name, timezone). Missing
// keys return "".
func (s *Store) GetProfileValue(userID, key string) (string, error) {
	var value string
	err := s.db.QueryRow(`
		SELECT value FROM user_profiles WHERE user_id = ? AND key = ?`,
		NormalizeUserID(userID), key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetProfileValue upserts a static profile key
func (s *Store) SetProfileValue(userID, key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO user_profiles (user_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		NormalizeUserID(userID), key, value, time.Now().UnixMilli())
	return err
}

// GetProfile returns all static profile keys for the user.
func (s *Store) GetProfile(userID string) (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM user_profiles WHERE user_id = ?`,
		NormalizeUserID(userID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	profile := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		profile[k] = v
	}
	return profile, rows.Err()
}

// UserTimezone loads the user's timezone, falling back to UTC when unset
// or unparseable.
func (s *Store) UserTimezone() *time.Location {
	tz, err := s.GetProfileValue(PrimaryUserID, "timezone")
	if err != nil || tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DynamicProfile is the singleton carrying the user's recent state.
type DynamicProfile struct {
	RecentTopics    []string
	Mood            string
	ActiveProjects  []string
	LastInteraction time.Time
	UpdatedAt       time.Time
}

// GetDynamicProfile reads the singleton row, returning an empty profile
// when none exists yet.
func (s *Store) GetDynamicProfile() (*DynamicProfile, error) {
	var topics, mood, projects sql.NullString
	var lastInteraction sql.NullInt64
	var updatedAt int64
	err := s.db.QueryRow(`
		SELECT recent_topics, mood, active_projects, last_interaction, updated_at
		FROM dynamic_profile WHERE id = 1`).
		Scan(&topics, &mood, &projects, &lastInteraction, &updatedAt)
	if err == sql.ErrNoRows {
		return &DynamicProfile{}, nil
	}
	if err != nil {
		return nil, err
	}
	p := &DynamicProfile{Mood: mood.String, UpdatedAt: time.UnixMilli(updatedAt)}
	if topics.Valid && topics.String != "" {
		_ = json.Unmarshal([]byte(topics.String), &p.RecentTopics)
	}
	if projects.Valid && projects.String != "" {
		_ = json.Unmarshal([]byte(projects.String), &p.ActiveProjects)
	}
	if lastInteraction.Valid {
		p.LastInteraction = time.UnixMilli(lastInteraction.Int64)
	}
	return p, nil
}

// SaveDynamicProfile upserts the singleton row
func (s *Store) SaveDynamicProfile(p *DynamicProfile) error {
	topics, err := json.Marshal(p.RecentTopics)
	if err != nil {
		return err
	}
	projects, err := json.Marshal(p.ActiveProjects)
	if err != nil {
		return err
	}
	var lastInteraction sql.NullInt64
	if !p.LastInteraction.IsZero() {
		lastInteraction = sql.NullInt64{Int64: p.LastInteraction.UnixMilli(), Valid: true}
	}
	_, err = s.db.Exec(`
		INSERT INTO dynamic_profile (id, recent_topics, mood, active_projects, last_interaction, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			recent_topics = excluded.recent_topics,
			mood = excluded.mood,
			active_projects = excluded.active_projects,
			last_interaction = excluded.last_interaction,
			updated_at = excluded.updated_at`,
		string(topics), p.Mood, string(projects), lastInteraction, time.Now().UnixMilli())
	return err
}

// BehavioralPatterns carries exponentially-smoothed interaction signals
// and the current affect state.
type BehavioralPatterns struct {
	CommunicationStyle  string
	MessageFrequency    float64 // messages per hour, smoothed
	SessionEngagement   float64
	TopicSwitchRate     float64
	ResponseLengthTrend float64 // mean user message length, smoothed
	AffectState         string
	UpdatedAt           time.Time
}

// GetBehavioralPatterns reads the singleton row, returning zero signals
// when none exists yet.
func (s *Store) GetBehavioralPatterns() (*BehavioralPatterns, error) {
	var style, affect sql.NullString
	var updatedAt int64
	p := &BehavioralPatterns{}
	err := s.db.QueryRow(`
		SELECT communication_style, message_frequency, session_engagement,
		       topic_switch_rate, response_length_trend, affect_state, updated_at
		FROM behavioral_patterns WHERE id = 1`).
		Scan(&style, &p.MessageFrequency, &p.SessionEngagement,
			&p.TopicSwitchRate, &p.ResponseLengthTrend, &affect, &updatedAt)
	if err == sql.ErrNoRows {
		return &BehavioralPatterns{}, nil
	}
	if err != nil {
		return nil, err
	}
	p.CommunicationStyle = style.String
	p.AffectState = affect.String
	p.UpdatedAt = time.UnixMilli(updatedAt)
	return p, nil
}

// SaveBehavioralPatterns upserts the singleton row
func (s *Store) SaveBehavioralPatterns(p *BehavioralPatterns) error {
	_, err := s.db.Exec(`
		INSERT INTO behavioral_patterns
			(id, communication_style, message_frequency, session_engagement,
			 topic_switch_rate, response_length_trend, affect_state, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			communication_style = excluded.communication_style,
			message_frequency = excluded.message_frequency,
			session_engagement = excluded.session_engagement,
			topic_switch_rate = excluded.topic_switch_rate,
			response_length_trend = excluded.response_length_trend,
			affect_state = excluded.affect_state,
			updated_at = excluded.updated_at`,
		p.CommunicationStyle, p.MessageFrequency, p.SessionEngagement,
		p.TopicSwitchRate, p.ResponseLengthTrend, p.AffectState, time.Now().UnixMilli())
	return err
}
