package scylla

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		user_bucket int,
		user_id uuid,
		phone_hash text,
		phone_encrypted blob,
		phone_masked text,
		verification_level int,
		is_phone_verified boolean,
		phone_verified_at timestamp,
		digilocker_token blob,
		digilocker_token_iv blob,
		digilocker_token_tag blob,
		digilocker_token_key blob,
		digilocker_key_id text,
		digilocker_verified_at timestamp,
		video_selfie_verified_at timestamp,
		date_of_birth date,
		is_age_verified boolean,
		age_verified_at timestamp,
		consent_version text,
		consent_agreed_at timestamp,
		created_at timestamp,
		updated_at timestamp,
		last_login_at timestamp,
		PRIMARY KEY ((user_bucket), user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS phone_to_user (
		phone_hash text PRIMARY KEY,
		user_id uuid,
		user_bucket int,
		created_at timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS otp_requests (
		phone_hash text,
		otp_id timeuuid,
		provider text,
		provider_ref text,
		attempt_count int,
		max_attempts int,
		expires_at timestamp,
		is_used boolean,
		used_at timestamp,
		is_expired boolean,
		ip_address text,
		user_agent text,
		created_at timestamp,
		updated_at timestamp,
		PRIMARY KEY ((phone_hash), otp_id)
	) WITH CLUSTERING ORDER BY (otp_id DESC)
	  AND default_time_to_live = 2592000`,
	`CREATE TABLE IF NOT EXISTS otp_expiry_queue (
		expiry_hour timestamp,
		expires_at timestamp,
		phone_hash text,
		otp_id timeuuid,
		PRIMARY KEY ((expiry_hour), expires_at, phone_hash, otp_id)
	) WITH default_time_to_live = 172800`,
	`CREATE TABLE IF NOT EXISTS sessions (
		user_id uuid,
		session_id uuid,
		refresh_token_hash text,
		device_info text,
		ip_address text,
		user_agent text,
		expires_at timestamp,
		is_revoked boolean,
		revoked_at timestamp,
		created_at timestamp,
		PRIMARY KEY ((user_id), session_id)
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		event_bucket int,
		event_date text,
		created_at timestamp,
		event_id uuid,
		event_type text,
		user_id text,
		entity_type text,
		entity_id text,
		action text,
		metadata text,
		ip_address text,
		user_agent text,
		PRIMARY KEY ((event_bucket, event_date), created_at, event_id)
	) WITH CLUSTERING ORDER BY (created_at DESC, event_id ASC)`,
}
